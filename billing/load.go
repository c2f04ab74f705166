package billing

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// memoryUnits scales a memory weight suffix to a per-megabyte weight, the unit
// the scheduler reports memory usage in.
var memoryUnits = map[byte]float64{
	'K': 1.0 / 1024,
	'M': 1,
	'G': 1024,
	'T': 1024 * 1024,
}

// ParseWeights parses the scheduler's TRESBillingWeights form, for example
// "CPU=1.0,Mem=0.25G,GRES/gpu=2.0". A K/M/G/T suffix on a weight means the
// weight applies per kilo/mega/giga/terabyte and is rescaled to per-megabyte.
func ParseWeights(s string) (Weights, error) {
	w := Weights{}
	s = strings.TrimSpace(s)
	if s == "" {
		return w, nil
	}

	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, raw, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("billing: weight %q: missing '='", field)
		}
		raw = strings.TrimSpace(raw)
		scale := 1.0
		if n := len(raw); n > 0 {
			if factor, unit := memoryUnits[raw[n-1]]; unit {
				scale = 1 / factor
				raw = raw[:n-1]
			}
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("billing: weight %q: %w", field, err)
		}
		key := Normalize(name)
		if _, dup := w[key]; dup {
			return nil, fmt.Errorf("billing: resource %q listed twice", name)
		}
		w[key] = v * scale
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// File is the on-disk weight configuration:
//
//	clusters:
//	  c1:
//	    cpu: 1.0
//	    gres/gpu: 2.0
type File struct {
	Clusters map[string]Weights `yaml:"clusters"`
}

// LoadWeightsYAML decodes and validates a weight configuration document,
// returning the weights keyed by cluster name.
func LoadWeightsYAML(r io.Reader) (map[string]Weights, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("billing: decode weights: %w", err)
	}

	out := make(map[string]Weights, len(f.Clusters))
	for cluster, w := range f.Clusters {
		if strings.TrimSpace(cluster) == "" {
			return nil, fmt.Errorf("billing: empty cluster name in weights file")
		}
		if w == nil {
			w = Weights{}
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("billing: cluster %q: %w", cluster, err)
		}
		out[cluster] = w.Normalized()
	}
	return out, nil
}

// LoadWeightsFile reads LoadWeightsYAML input from path.
func LoadWeightsFile(path string) (map[string]Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("billing: open weights file: %w", err)
	}
	defer f.Close()
	return LoadWeightsYAML(f)
}
