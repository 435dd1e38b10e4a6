package store

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("store: could not load tokenizer, token counts disabled")
			return
		}
		codec = c
	})
	return codec
}

// CountTokens counts the tokens of the text a model would see for turns:
// contents, call arguments and results. It returns 0 when no tokenizer is
// available.
func CountTokens(turns []dialogue.Turn) int {
	c := getCodec()
	if c == nil {
		return 0
	}
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Content)
		sb.WriteString("\n")
		for _, call := range t.Calls {
			args, _ := json.Marshal(call.Arguments)
			sb.WriteString(call.Name)
			sb.Write(args)
			sb.WriteString("\n")
		}
		for _, r := range t.Results {
			if r.Error != "" {
				sb.WriteString(r.Error)
			} else {
				res, _ := json.Marshal(r.Result)
				sb.Write(res)
			}
			sb.WriteString("\n")
		}
	}
	ids, _, err := c.Encode(sb.String())
	if err != nil {
		log.Warn().Err(err).Msg("store: could not count tokens")
		return 0
	}
	return len(ids)
}
