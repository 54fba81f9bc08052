package cli

import (
	"encoding/json"
	"io"
)

type outputMode int

const (
	outputModeText outputMode = iota
	outputModeJSON
)

func modeFor(jsonOutput bool) outputMode {
	if jsonOutput {
		return outputModeJSON
	}
	return outputModeText
}

func (m outputMode) isJSON() bool {
	return m == outputModeJSON
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
