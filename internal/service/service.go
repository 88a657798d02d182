// Package service orchestrates the tray-analysis pipeline: validate,
// normalize, detect, and, after explicit approval, persist and list.
package service

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	blobcore "vialcounter/internal/blob/core"
	"vialcounter/internal/detect"
	"vialcounter/internal/imaging"
	"vialcounter/internal/proposal"
	rescore "vialcounter/internal/results/core"
	"vialcounter/internal/retry"
)

// Blob key namespaces. A result row is the only link between the two.
const (
	BeforePrefix = "before/"
	AfterPrefix  = "after/"
)

const (
	// DefaultPageSize matches the gallery grid.
	DefaultPageSize = 9
	maxPageSize     = 100

	// storageTimeout bounds each blob/database call.
	storageTimeout = 10 * time.Second

	// Idempotent reads (row queries, presigns) get one extra attempt.
	readAttempts  = 2
	readRetryBase = 100 * time.Millisecond
)

// Options carries the tunables the pipeline needs.
type Options struct {
	AllowedTypes []string      // upload MIME allow-list
	SignedURLTTL time.Duration // validity of issued URLs (default 1h)
}

// Service wires the injected collaborators together. All fields are
// read-only after construction; the service itself carries no request state.
type Service struct {
	blobs     blobcore.Store
	rows      rescore.Store
	detector  detect.Detector
	proposals proposal.Cache // nil when the cache is not configured
	logger    *slog.Logger
	allowed   map[string]bool
	signedTTL time.Duration
}

// New constructs the pipeline service.
func New(blobs blobcore.Store, rows rescore.Store, detector detect.Detector, proposals proposal.Cache, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Service{
		blobs:     blobs,
		rows:      rows,
		detector:  detector,
		proposals: proposals,
		logger:    logger.With(slog.String("component", "service")),
		allowed:   allowed,
		signedTTL: ttl,
	}
}

// ProcessInput is the single validated request structure for one tray
// submission. It is produced by exactly one validation pass; handlers do
// no per-field branching of their own.
type ProcessInput struct {
	Image         []byte
	DeclaredMIME  string
	ExpectedCount int
	LotID         string
	OrderNumber   string
	TrayNumber    string
}

// ProcessOutput is the proposal returned for client review. Nothing is
// persisted until Save is called; discarding the proposal has no
// storage-side effect.
type ProcessOutput struct {
	Proposal   proposal.Proposal
	ProposalID string // set only when the proposal cache is configured
}

// Process validates the submission, normalizes the image, and obtains a
// detection count. The percentage is round(counted/expected*100, 2).
func (s *Service) Process(ctx context.Context, in ProcessInput) (ProcessOutput, error) {
	if err := s.validateProcess(&in); err != nil {
		return ProcessOutput{}, err
	}

	canonical, err := imaging.Normalize(in.Image, in.DeclaredMIME)
	if err != nil {
		return ProcessOutput{}, &NormalizationError{Err: err}
	}

	det, err := s.detector.Detect(ctx, canonical)
	if err != nil {
		return ProcessOutput{}, &UpstreamError{Err: err}
	}

	processed := det.Annotated
	if processed == nil {
		processed = canonical
	}

	prop := proposal.Proposal{
		OriginalImage:  canonical,
		ProcessedImage: processed,
		CountedVials:   det.Count,
		Percentage:     round2(float64(det.Count) / float64(in.ExpectedCount) * 100),
		LotID:          in.LotID,
		OrderNumber:    in.OrderNumber,
		TrayNumber:     in.TrayNumber,
	}

	out := ProcessOutput{Proposal: prop}
	if s.proposals != nil {
		id, err := s.proposals.Put(ctx, prop)
		if err != nil {
			// The inline proposal still works; losing the cache only costs
			// the client a bigger approval payload.
			s.logger.Warn("proposal cache write failed", slog.String("error", err.Error()))
		} else {
			out.ProposalID = id
		}
	}
	return out, nil
}

func (s *Service) validateProcess(in *ProcessInput) error {
	if len(in.Image) == 0 {
		return validationf("missing image file")
	}
	declared := strings.ToLower(strings.TrimSpace(in.DeclaredMIME))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if !s.allowed[declared] {
		return validationf("unsupported image type %q", in.DeclaredMIME)
	}
	in.DeclaredMIME = declared
	if !sniffMatches(in.Image, declared) {
		return validationf("image content does not match declared type %q", declared)
	}
	if in.ExpectedCount <= 0 {
		return validationf("expected count must be a positive number")
	}
	in.LotID = strings.TrimSpace(in.LotID)
	in.OrderNumber = strings.TrimSpace(in.OrderNumber)
	in.TrayNumber = strings.TrimSpace(in.TrayNumber)
	if in.LotID == "" {
		return validationf("lot id must not be blank")
	}
	if in.OrderNumber == "" {
		return validationf("order number must not be blank")
	}
	if in.TrayNumber == "" {
		return validationf("tray number must not be blank")
	}
	return nil
}

// sniffMatches cross-checks the declared type against the actual bytes so a
// mislabeled upload fails closed instead of reaching the decoder.
func sniffMatches(data []byte, declared string) bool {
	sniffed := mimetype.Detect(data)
	if sniffed.Is(declared) {
		return true
	}
	// heic and heif are one container family; accept either spelling.
	declaredHeif := declared == "image/heic" || declared == "image/heif"
	sniffedHeif := sniffed.Is("image/heic") || sniffed.Is("image/heif") ||
		sniffed.Is("image/heic-sequence") || sniffed.Is("image/heif-sequence")
	return declaredHeif && sniffedHeif
}

// SaveInput is an approved proposal: either inline image payloads or a
// reference to a cached proposal.
type SaveInput struct {
	ProposalID     string
	OriginalImage  []byte
	ProcessedImage []byte
	CountedVials   int
	Percentage     float64
	LotID          string
	OrderNumber    string
	TrayNumber     string
}

// ResultView is a persisted row with materialized access URLs. When signing
// fails for a blob the raw key is returned instead (degraded, non-fatal).
type ResultView struct {
	ID                int64     `json:"id"`
	OriginalImageURL  string    `json:"original_image_url"`
	ProcessedImageURL string    `json:"processed_image_url"`
	CountedVials      int       `json:"counted_vials"`
	Percentage        float64   `json:"percentage"`
	LotID             string    `json:"lot_id"`
	OrderNumber       string    `json:"order_number"`
	TrayNumber        string    `json:"tray_number"`
	Approved          bool      `json:"approved"`
	CreatedAt         time.Time `json:"created_at"`
}

// Save persists an approved proposal: two write-once blobs under fresh
// keys, then one row. A failed insert leaves the uploaded blobs orphaned;
// rows stay the source of truth and the sweep reclaims the blobs later.
func (s *Service) Save(ctx context.Context, in SaveInput) (ResultView, error) {
	if in.ProposalID != "" {
		if s.proposals == nil {
			return ResultView{}, validationf("proposal references are not enabled")
		}
		prop, ok, err := s.proposals.Take(ctx, in.ProposalID)
		if err != nil {
			return ResultView{}, &StorageError{Op: "proposal cache", Err: err}
		}
		if !ok {
			return ResultView{}, &NotFoundError{Resource: "proposal " + in.ProposalID}
		}
		in.OriginalImage = prop.OriginalImage
		in.ProcessedImage = prop.ProcessedImage
		in.CountedVials = prop.CountedVials
		in.Percentage = prop.Percentage
		in.LotID = prop.LotID
		in.OrderNumber = prop.OrderNumber
		in.TrayNumber = prop.TrayNumber
	}
	if len(in.OriginalImage) == 0 || len(in.ProcessedImage) == 0 {
		return ResultView{}, validationf("missing image data")
	}
	if in.CountedVials < 0 {
		return ResultView{}, validationf("counted vials must not be negative")
	}
	if math.IsNaN(in.Percentage) || math.IsInf(in.Percentage, 0) {
		return ResultView{}, validationf("percentage must be a finite number")
	}

	originalKey := BeforePrefix + "original-" + uuid.NewString() + ".jpg"
	processedKey := AfterPrefix + "processed-" + uuid.NewString() + ".jpg"

	if err := s.upload(ctx, originalKey, in.OriginalImage); err != nil {
		return ResultView{}, err
	}
	if err := s.upload(ctx, processedKey, in.ProcessedImage); err != nil {
		return ResultView{}, err
	}

	insertCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	row, err := s.rows.Insert(insertCtx, rescore.NewRow{
		OriginalImageKey:  originalKey,
		ProcessedImageKey: processedKey,
		CountedVials:      in.CountedVials,
		Percentage:        in.Percentage,
		LotID:             in.LotID,
		OrderNumber:       in.OrderNumber,
		TrayNumber:        in.TrayNumber,
	})
	if err != nil {
		s.logger.Error("insert failed after blob upload, blobs orphaned",
			slog.String("original_key", originalKey),
			slog.String("processed_key", processedKey),
			slog.String("error", err.Error()))
		return ResultView{}, &PersistenceError{Err: err}
	}

	return s.materialize(ctx, row), nil
}

func (s *Service) upload(ctx context.Context, key string, data []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	_, err := s.blobs.Put(putCtx, key, bytes.NewReader(data), blobcore.PutOptions{ContentType: imaging.CanonicalMIME})
	if err != nil {
		return &StorageError{Op: "upload " + key, Err: err}
	}
	return nil
}

// Page is one slice of the result history. NextCursor is nil on the last
// page. Pages are not transactionally consistent with concurrent inserts;
// a row landing between two fetches may repeat or be skipped.
type Page struct {
	Results    []ResultView `json:"results"`
	NextCursor *int         `json:"nextCursor"`
}

// List returns rows in descending creation order starting at the cursor
// offset and re-signs both blob URLs for every row at read time.
func (s *Service) List(ctx context.Context, cursor, limit int) (Page, error) {
	if cursor < 0 {
		cursor = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var (
		rows    []rescore.Row
		hasMore bool
	)
	err := retry.Do(ctx, readAttempts, readRetryBase, func(ctx context.Context) error {
		queryCtx, cancel := context.WithTimeout(ctx, storageTimeout)
		defer cancel()
		var err error
		rows, hasMore, err = s.rows.List(queryCtx, cursor, limit)
		return err
	})
	if err != nil {
		return Page{}, &PersistenceError{Err: err}
	}

	// Per-row URL materialization fans out; the page waits for all rows,
	// each of which degrades independently.
	views := make([]ResultView, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		wg.Add(1)
		go func(i int, row rescore.Row) {
			defer wg.Done()
			views[i] = s.materialize(ctx, row)
		}(i, row)
	}
	wg.Wait()

	page := Page{Results: views}
	if hasMore {
		next := cursor + limit
		page.NextCursor = &next
	}
	return page, nil
}

// materialize turns a stored row into its view, signing both blob keys.
// A signing failure leaves the raw key in place.
func (s *Service) materialize(ctx context.Context, row rescore.Row) ResultView {
	return ResultView{
		ID:                row.ID,
		OriginalImageURL:  s.signOrKey(ctx, row.OriginalImageKey),
		ProcessedImageURL: s.signOrKey(ctx, row.ProcessedImageKey),
		CountedVials:      row.CountedVials,
		Percentage:        row.Percentage,
		LotID:             row.LotID,
		OrderNumber:       row.OrderNumber,
		TrayNumber:        row.TrayNumber,
		Approved:          row.Approved,
		CreatedAt:         row.CreatedAt,
	}
}

func (s *Service) signOrKey(ctx context.Context, key string) string {
	var url string
	err := retry.Do(ctx, readAttempts, readRetryBase, func(ctx context.Context) error {
		signCtx, cancel := context.WithTimeout(ctx, storageTimeout)
		defer cancel()
		var err error
		url, err = s.blobs.PresignURL(signCtx, key, blobcore.SignedURLOptions{Expiry: s.signedTTL})
		return err
	})
	if err != nil {
		s.logger.Warn("signed url generation failed, returning raw key",
			slog.String("key", key), slog.String("error", err.Error()))
		return key
	}
	return url
}

// Healthy reports whether the results store answers.
func (s *Service) Healthy(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	return s.rows.Ping(pingCtx)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sweepPageSize is the row batch used when collecting referenced keys.
const sweepPageSize = 500

// SweepReport summarizes one orphan reconciliation pass.
type SweepReport struct {
	DryRun         bool     `json:"dry_run"`
	ReferencedKeys int      `json:"referenced_keys"`
	ScannedBlobs   int      `json:"scanned_blobs"`
	Orphans        []string `json:"orphans"`
	Deleted        int      `json:"deleted"`
}

// SweepOrphans reconciles blob storage against the results table: blobs in
// either namespace that no row references are reported and, when apply is
// set, deleted. Runs on demand only.
func (s *Service) SweepOrphans(ctx context.Context, apply bool) (SweepReport, error) {
	report := SweepReport{DryRun: !apply, Orphans: []string{}}

	referenced := map[string]bool{}
	for offset := 0; ; offset += sweepPageSize {
		rows, hasMore, err := s.rows.List(ctx, offset, sweepPageSize)
		if err != nil {
			return SweepReport{}, &PersistenceError{Err: err}
		}
		for _, row := range rows {
			referenced[row.OriginalImageKey] = true
			referenced[row.ProcessedImageKey] = true
		}
		if !hasMore {
			break
		}
	}
	report.ReferencedKeys = len(referenced)

	for _, prefix := range []string{BeforePrefix, AfterPrefix} {
		infos, err := s.blobs.List(ctx, prefix)
		if err != nil {
			return SweepReport{}, &StorageError{Op: "list " + prefix, Err: err}
		}
		report.ScannedBlobs += len(infos)
		for _, info := range infos {
			if referenced[info.Key] {
				continue
			}
			report.Orphans = append(report.Orphans, info.Key)
			if !apply {
				continue
			}
			if _, err := s.blobs.Delete(ctx, info.Key); err != nil {
				return report, &StorageError{Op: "delete " + info.Key, Err: err}
			}
			report.Deleted++
		}
	}

	if report.Deleted > 0 || len(report.Orphans) > 0 {
		s.logger.Info("orphan sweep finished",
			slog.Bool("dry_run", report.DryRun),
			slog.Int("orphans", len(report.Orphans)),
			slog.Int("deleted", report.Deleted))
	}
	return report, nil
}
