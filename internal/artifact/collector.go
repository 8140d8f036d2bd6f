package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	cierrors "blockci/internal/errors"
	"blockci/internal/logfields"
	"blockci/internal/metrics"
	"blockci/internal/pipeline"
	"blockci/internal/retry"
)

// Policy decides what a publish failure does to the job.
type Policy string

const (
	// PolicyWarn records the failure as a warning and lets the job succeed.
	PolicyWarn Policy = "warn"
	// PolicyStrict fails the job.
	PolicyStrict Policy = "strict"
)

// Artifact describes one published file.
type Artifact struct {
	Path    string `json:"path"`
	Remote  string `json:"remote"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
	Digest  string `json:"digest"` // keyed BLAKE3, hex
}

// digestKey separates artifact digests from any other BLAKE3 use. ASCII
// "blockci.artifact" zero padded to 32 bytes.
var digestKey = [32]byte{
	'b', 'l', 'o', 'c', 'k', 'c', 'i', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't',
}

// Digest returns the hex keyed BLAKE3 digest of data.
func Digest(data []byte) string {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("artifact: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Collector reads artifacts out of a job workspace and uploads them.
type Collector struct {
	store    Store
	policy   retry.Policy
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewCollector returns a Collector publishing to store. A nil retry policy
// uses retry.DefaultPolicy.
func NewCollector(store Store, rp *retry.Policy, recorder metrics.Recorder, logger *slog.Logger) *Collector {
	c := &Collector{store: store, policy: retry.DefaultPolicy(), recorder: metrics.OrNoop(recorder), logger: logger}
	if rp != nil {
		c.policy = *rp
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Publish uploads the file spec declares on container c. The local path is
// resolved against workspace; a missing file fails with ArtifactNotFound.
// Bytes are uploaded unchanged.
func (col *Collector) Publish(ctx context.Context, c *pipeline.Container, spec pipeline.ArtifactSpec, workspace string) (Artifact, error) {
	rel, err := c.WorkspacePath(spec.Path)
	if err != nil {
		col.recorder.IncArtifactResult(metrics.ArtifactFailed)
		return Artifact{}, cierrors.Wrap(err, cierrors.KindConfig, "artifact path")
	}
	local := filepath.Join(workspace, filepath.FromSlash(rel))

	info, err := os.Stat(local)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		col.recorder.IncArtifactResult(metrics.ArtifactMissing)
		return Artifact{}, cierrors.ArtifactNotFound(spec.Path)
	}
	if err != nil {
		col.recorder.IncArtifactResult(metrics.ArtifactFailed)
		return Artifact{}, fmt.Errorf("stat %s: %w", spec.Path, err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		col.recorder.IncArtifactResult(metrics.ArtifactFailed)
		return Artifact{}, fmt.Errorf("reading %s: %w", spec.Path, err)
	}

	var version string
	err = retry.Do(ctx, col.policy, func(ctx context.Context) error {
		var uerr error
		version, uerr = col.store.Upload(ctx, spec.Remote, data)
		return uerr
	}, func(attempt int, err error) {
		col.recorder.IncStoreRetry("artifact")
		col.logger.Warn("Artifact store unavailable, retrying",
			logfields.Artifact(spec.Path), logfields.Remote(spec.Remote), logfields.Attempt(attempt), logfields.Error(err))
	})
	if err != nil {
		col.recorder.IncArtifactResult(metrics.ArtifactFailed)
		return Artifact{}, fmt.Errorf("uploading %s to %s: %w", spec.Path, spec.Remote, err)
	}

	col.recorder.IncArtifactResult(metrics.ArtifactPublished)
	return Artifact{
		Path:    spec.Path,
		Remote:  spec.Remote,
		Version: version,
		Size:    int64(len(data)),
		Digest:  Digest(data),
	}, nil
}
