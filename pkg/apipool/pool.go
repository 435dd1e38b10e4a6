// Package apipool supplies candidate API sets drawn from a pool of API
// descriptions.
package apipool

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyPool  = errors.New("api pool is empty")
	ErrNotEnough  = errors.New("api pool has fewer apis than requested")
	ErrBadRequest = errors.New("invalid sample request")
)

// Pool supplies candidate sets.
type Pool interface {
	Sample(ctx context.Context, count int, diversity float64) (dialogue.CandidateSet, error)
}

// FilePool samples from API descriptions loaded up front. Sample is safe
// for concurrent use.
type FilePool struct {
	apis []dialogue.ApiSpec

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Pool = (*FilePool)(nil)

func NewFilePool(apis []dialogue.ApiSpec, seed int64) *FilePool {
	return &FilePool{apis: apis, rng: rand.New(rand.NewSource(seed))}
}

func (p *FilePool) Len() int {
	return len(p.apis)
}

// Sample draws count distinct APIs. A diversity of d forces round(d*count)
// of the picks to come from categories not yet in the set, as long as such
// categories remain.
func (p *FilePool) Sample(ctx context.Context, count int, diversity float64) (dialogue.CandidateSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 || diversity < 0 || diversity > 1 {
		return nil, errors.Wrapf(ErrBadRequest, "count %d, diversity %.2f", count, diversity)
	}
	if len(p.apis) == 0 {
		return nil, ErrEmptyPool
	}
	if count > len(p.apis) {
		return nil, errors.Wrapf(ErrNotEnough, "requested %d, have %d", count, len(p.apis))
	}

	p.mu.Lock()
	order := p.rng.Perm(len(p.apis))
	p.mu.Unlock()

	forced := int(math.Round(diversity * float64(count)))
	used := make([]bool, len(p.apis))
	seen := map[string]bool{}
	ret := make(dialogue.CandidateSet, 0, count)

	take := func(i int) {
		used[i] = true
		seen[category(p.apis[i])] = true
		ret = append(ret, p.apis[i])
	}

	for len(ret) < forced {
		picked := false
		for _, i := range order {
			if !used[i] && !seen[category(p.apis[i])] {
				take(i)
				picked = true
				break
			}
		}
		if !picked {
			break
		}
	}
	for _, i := range order {
		if len(ret) == count {
			break
		}
		if !used[i] {
			take(i)
		}
	}
	return ret, nil
}

func category(a dialogue.ApiSpec) string {
	c := strings.ToLower(strings.TrimSpace(a.Category))
	if c == "" {
		return "uncategorized"
	}
	return c
}

// Load reads API descriptions from a JSON array, a JSON object with an
// "apis" array, JSON lines, or YAML. Names are normalized; later entries
// reusing a name are dropped.
func Load(path string) ([]dialogue.ApiSpec, error) {
	var docs []map[string]any
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		docs, err = loadJSONL(path)
	case ".yaml", ".yml":
		docs, err = loadDocument(path, yaml.Unmarshal)
	default:
		docs, err = loadDocument(path, json.Unmarshal)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not load api pool %s", path)
	}

	ret := make([]dialogue.ApiSpec, 0, len(docs))
	names := map[string]bool{}
	for i, doc := range docs {
		spec, err := dialogue.ApiSpecFromMap(doc)
		if err != nil {
			return nil, errors.Wrapf(err, "api %d in %s", i, path)
		}
		if names[spec.Name] {
			log.Warn().Str("api", spec.Name).Str("path", path).Msg("apipool: duplicate api name, keeping the first")
			continue
		}
		names[spec.Name] = true
		ret = append(ret, spec)
	}
	return ret, nil
}

func loadDocument(path string, unmarshal func([]byte, any) error) ([]map[string]any, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := unmarshal(blob, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		v = m["apis"]
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.Errorf("api pool must be an array of apis, got %T", v)
	}
	ret := make([]map[string]any, 0, len(arr))
	for i, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, errors.Errorf("api %d is a %T, expected an object", i, e)
		}
		ret = append(ret, m)
	}
	return ret, nil
}

func loadJSONL(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var ret []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, errors.Wrapf(err, "jsonl parse error at line %d", lineNo)
		}
		ret = append(ret, m)
	}
	return ret, sc.Err()
}
