// Package archive writes a finished job's normalized rows to a blob store as
// one JSON document.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/record"
)

// ContentType of every archive.
const ContentType = "application/json"

// Location describes a written archive.
type Location struct {
	URI    string `json:"uri"`
	Digest string `json:"digest"`
	Bytes  int    `json:"bytes"`
}

// Config controls archive naming.
type Config struct {
	// Prefix is prepended to every object path.
	Prefix string
}

// Archiver serializes datasets and stores them.
type Archiver struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
	logger *zap.Logger
}

// New creates an Archiver.
func New(store crawler.BlobStore, hasher crawler.Hasher, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive requires a blob store")
	}
	if hasher == nil {
		return nil, errors.New("archive requires a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		hasher: hasher,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("archive"),
	}, nil
}

// ObjectPath returns where jobID's archive is written.
func (a *Archiver) ObjectPath(jobID string) string {
	name := fmt.Sprintf("listings-%s.json", jobID)
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive writes rows for jobID and returns where they went.
func (a *Archiver) Archive(ctx context.Context, jobID string, rows []*record.Record) (Location, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return Location{}, fmt.Errorf("encode rows: %w", err)
	}
	digest, err := a.hasher.Hash(data)
	if err != nil {
		return Location{}, fmt.Errorf("digest rows: %w", err)
	}
	uri, err := a.store.PutObject(ctx, a.ObjectPath(jobID), ContentType, bytes.NewReader(data))
	if err != nil {
		return Location{}, fmt.Errorf("store archive: %w", err)
	}
	a.logger.Info("dataset archived",
		zap.String("job_id", jobID),
		zap.String("uri", uri),
		zap.Int("rows", len(rows)),
		zap.Int("bytes", len(data)),
	)
	return Location{URI: uri, Digest: digest, Bytes: len(data)}, nil
}
