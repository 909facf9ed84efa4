// File: internal/vision/tesseract.go
package vision

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// runner executes the OCR binary. Swapped out in tests.
type runner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Tesseract extracts text by piping the screenshot through the tesseract CLI
// in TSV mode, which yields words with bounding boxes in a single pass.
type Tesseract struct {
	logger   *zap.Logger
	binary   string
	language string
	timeout  time.Duration
	run      runner

	availOnce sync.Once
	available bool
}

var _ TextExtractor = (*Tesseract)(nil)

// NewTesseract creates an extractor for the given binary and language.
func NewTesseract(logger *zap.Logger, binary, language string, timeout time.Duration) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tesseract{
		logger:   logger.Named("ocr"),
		binary:   binary,
		language: language,
		timeout:  timeout,
		run:      execRunner,
	}
}

func (t *Tesseract) isAvailable() bool {
	t.availOnce.Do(func() {
		_, err := exec.LookPath(t.binary)
		t.available = err == nil
		if !t.available {
			t.logger.Warn("Tesseract not available; OCR disabled.", zap.String("binary", t.binary))
		}
	})
	return t.available
}

// ExtractText runs OCR on png. A missing binary yields an empty result.
func (t *Tesseract) ExtractText(ctx context.Context, png []byte) (*TextResult, error) {
	if len(png) == 0 {
		return &TextResult{}, nil
	}
	if !t.isAvailable() {
		return &TextResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	out, err := t.run(ctx, png, t.binary, "stdin", "stdout", "-l", t.language, "tsv")
	if err != nil {
		return nil, fmt.Errorf("ocr extraction: %w", err)
	}
	text, regions, lines := ParseTSV(out)
	res := Classify(text)
	res.Regions = regions
	res.LineRegions = lines

	t.logger.Debug("OCR complete.",
		zap.Duration("duration", time.Since(start)),
		zap.Int("regions", len(regions)),
		zap.Int("error_lines", len(res.ErrorLines)))
	return res, nil
}

// ParseTSV reads tesseract TSV output. It rebuilds line text from all words
// and returns word-level regions for words longer than two characters plus
// one region per line spanning all of its words.
func ParseTSV(data []byte) (string, []TextRegion, []TextRegion) {
	type lineKey struct{ block, par, line int }
	var (
		order   []lineKey
		words   = map[lineKey][]string{}
		boxes   = map[lineKey]Rect{}
		confs   = map[lineKey][]float64{}
		regions []TextRegion
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		nums := make([]int, 10)
		ok := true
		for i := 0; i < 10; i++ {
			n, err := strconv.Atoi(cols[i])
			if err != nil {
				ok = false
				break
			}
			nums[i] = n
		}
		if !ok || nums[0] != 5 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		key := lineKey{nums[2], nums[3], nums[4]}
		if _, seen := words[key]; !seen {
			order = append(order, key)
		}
		words[key] = append(words[key], word)

		box := Rect{X: nums[6], Y: nums[7], W: nums[8], H: nums[9]}
		conf, _ := strconv.ParseFloat(cols[10], 64)
		if prev, ok := boxes[key]; ok {
			boxes[key] = prev.Union(box)
		} else {
			boxes[key] = box
		}
		confs[key] = append(confs[key], conf/100)

		if len(word) > 2 {
			regions = append(regions, TextRegion{Text: word, Bounds: box, Confidence: conf / 100})
		}
	}

	text := make([]string, 0, len(order))
	lines := make([]TextRegion, 0, len(order))
	for _, k := range order {
		t := strings.Join(words[k], " ")
		text = append(text, t)
		var sum float64
		for _, c := range confs[k] {
			sum += c
		}
		lines = append(lines, TextRegion{Text: t, Bounds: boxes[k], Confidence: sum / float64(len(confs[k]))})
	}
	return strings.Join(text, "\n"), regions, lines
}
