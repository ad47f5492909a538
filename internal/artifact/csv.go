package artifact

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/kjannette/trahn-pipeline/internal/models"
)

var header = []string{"timestamp", "open", "high", "low", "close", "volume"}

func WriteCSV(w io.Writer, bars []models.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{
			strconv.FormatInt(b.Timestamp, 10),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a file written by WriteCSV. Errors name the 1-based line.
func ReadCSV(r io.Reader) ([]models.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)
	cr.ReuseRecord = true

	first, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file, expected header")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range header {
		if first[i] != col {
			return nil, fmt.Errorf("line 1: column %d is %q, expected %q", i+1, first[i], col)
		}
	}

	var out []models.Bar
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func parseRecord(rec []string) (models.Bar, error) {
	var b models.Bar
	ts, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return b, fmt.Errorf("timestamp: %w", err)
	}
	b.Timestamp = ts

	dst := []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume}
	for i, p := range dst {
		f, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return b, fmt.Errorf("%s: %w", header[i+1], err)
		}
		*p = f
	}
	return b, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
