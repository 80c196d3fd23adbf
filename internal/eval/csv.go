package eval

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

var csvHeader = []string{"conversation_id", "role", "method", "turn", "fidelity", "is_contradiction"}

// WriteCSV writes scores with a header row. is_contradiction is 0 or 1.
func WriteCSV(w io.Writer, scores []TurnScore) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range scores {
		contradiction := "0"
		if s.Contradiction {
			contradiction = "1"
		}
		row := []string{
			s.ConversationID,
			s.Role,
			s.Method,
			strconv.Itoa(s.Turn),
			strconv.FormatFloat(s.Fidelity, 'f', -1, 64),
			contradiction,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes scores to path, creating parent directories.
func WriteCSVFile(path string, scores []TurnScore) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create csv directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	if err := WriteCSV(f, scores); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSV parses rows written by WriteCSV.
func ReadCSV(r io.Reader) ([]TurnScore, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]TurnScore, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(csvHeader) {
			return nil, fmt.Errorf("csv line %d: want %d fields, got %d", i+2, len(csvHeader), len(row))
		}
		turn, err := strconv.Atoi(row[3])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: turn: %w", i+2, err)
		}
		fidelity, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: fidelity: %w", i+2, err)
		}
		out = append(out, TurnScore{
			ConversationID: row[0],
			Role:           row[1],
			Method:         row[2],
			Turn:           turn,
			Fidelity:       fidelity,
			Contradiction:  row[5] == "1",
		})
	}
	return out, nil
}
