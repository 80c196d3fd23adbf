// Package dataset loads RoleBench-style role-play samples.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RoleBenchURL is the English role-specific test split.
const RoleBenchURL = "https://huggingface.co/datasets/ZenMoore/RoleBench/resolve/main/rolebench-eng/instruction-generalization/role_specific/test.jsonl"

// Sample is one seed question for a role.
type Sample struct {
	// Index is the sample's position after shuffling. Record ids derive from it.
	Index     int    `json:"-"`
	Role      string `json:"role"`
	Question  string `json:"question"`
	Desc      string `json:"desc,omitempty"`
	Profile   string `json:"profile,omitempty"`
	Knowledge string `json:"knowledge,omitempty"`
}

// HasMetadata reports whether the sample carries its own persona text.
func (s Sample) HasMetadata() bool {
	return s.Desc != "" || s.Profile != ""
}

// Load reads samples from a local path or an http(s) URL.
func Load(ctx context.Context, src string) ([]Sample, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return fetch(ctx, src)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

func fetch(ctx context.Context, url string) ([]Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch dataset: status %d", resp.StatusCode)
	}

	log.Info().Str("url", url).Msg("downloading dataset")
	return Decode(resp.Body)
}

// Decode reads newline-delimited JSON samples. Blank lines are skipped;
// samples without a role or question are dropped with a warning.
func Decode(r io.Reader) ([]Sample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var samples []Sample
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var s Sample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.Role == "" || s.Question == "" {
			log.Warn().Int("line", line).Msg("sample missing role or question, dropped")
			continue
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return samples, nil
}

// Prepare shuffles samples deterministically with seed, truncates to limit
// (0 = all) and assigns each sample its position as Index. The input slice
// is not modified.
func Prepare(samples []Sample, seed uint64, limit int) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)

	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}
