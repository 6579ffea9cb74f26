package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/abhisek/threadlab/internal/model"
)

// Seed is a set of documents to upsert, as read by the import command.
type Seed struct {
	Users          []*model.User          `json:"users"`
	LabelTemplates []*model.LabelTemplate `json:"label_templates"`
	Prompts        []*model.Prompt        `json:"prompts"`
	ClusterUnits   []*model.ClusterUnit   `json:"cluster_units"`
	Samples        []*model.Sample        `json:"samples"`
	Experiments    []*model.Experiment    `json:"experiments"`
}

// DecodeSeed reads a Seed from JSON.
func DecodeSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

// Count returns the number of documents in the seed.
func (sd *Seed) Count() int {
	return len(sd.Users) + len(sd.LabelTemplates) + len(sd.Prompts) +
		len(sd.ClusterUnits) + len(sd.Samples) + len(sd.Experiments)
}

// Import upserts every document of the seed. Label templates and
// experiments are validated first; nothing is written if one is invalid.
func (s *Store) Import(ctx context.Context, seed *Seed) error {
	for _, t := range seed.LabelTemplates {
		t.Normalize()
		if err := t.Validate(); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}
	for _, e := range seed.Experiments {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}

	for _, u := range seed.Users {
		if err := s.PutUser(ctx, u); err != nil {
			return err
		}
	}
	for _, t := range seed.LabelTemplates {
		if err := s.PutLabelTemplate(ctx, t); err != nil {
			return err
		}
	}
	for _, p := range seed.Prompts {
		if err := s.PutPrompt(ctx, p); err != nil {
			return err
		}
	}
	for _, u := range seed.ClusterUnits {
		if err := s.PutUnit(ctx, u); err != nil {
			return err
		}
	}
	for _, smp := range seed.Samples {
		if smp.SampleSize == 0 {
			smp.SampleSize = len(smp.SampleClusterUnitIDs)
		}
		if err := s.PutSample(ctx, smp); err != nil {
			return err
		}
	}
	for _, e := range seed.Experiments {
		if err := s.PutExperiment(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
