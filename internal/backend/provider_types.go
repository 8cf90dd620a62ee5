package backend

import (
	"fmt"

	"github.com/goccy/go-json"

	"recsys-proxy-cache/internal/fingerprint"
)

// Request shape we send upstream: the columnar "inputs" format of the
// TensorFlow Serving REST predict API.
//
//	{"inputs": {"item_id": [[1, 2, 3]], "country": ["US"]}}
type predictRequest struct {
	SignatureName string         `json:"signature_name,omitempty"`
	Inputs        map[string]any `json:"inputs"`
}

// itemIDInput is the input tensor every model is expected to accept, shape [1, N].
// Request validation rejects context fields with this name.
const itemIDInput = fingerprint.ReservedField

// scoresOutput is the named output read when a model has several.
const scoresOutput = "scores"

type predictResponse struct {
	Outputs json.RawMessage `json:"outputs"`
}

type predictErrorResponse struct {
	Error string `json:"error"`
}

// decodeScores accepts the shapes TF Serving produces for a single float
// output ([N], [1,N] or [N,1]) as well as a named "scores" output.
func decodeScores(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("response has no outputs")
	}

	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}

	var nested [][]float64
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 1 {
			return nested[0], nil
		}
		out := make([]float64, 0, len(nested))
		for i, row := range nested {
			if len(row) != 1 {
				return nil, fmt.Errorf("outputs row %d has %d values, want 1", i, len(row))
			}
			out = append(out, row[0])
		}
		return out, nil
	}

	var named map[string]json.RawMessage
	if err := json.Unmarshal(raw, &named); err == nil {
		scores, ok := named[scoresOutput]
		if !ok {
			return nil, fmt.Errorf("outputs has no %q tensor", scoresOutput)
		}
		return decodeScores(scores)
	}

	return nil, fmt.Errorf("unrecognised outputs shape")
}
