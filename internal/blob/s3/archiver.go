package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bidround/internal/domain"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"

	auditPartSize int64 = 8 * 1024 * 1024
	auditPageSize       = 1000
)

// AuditSource is the slice of the audit store the archiver needs: a ranged
// read and the delete that follows a successful upload.
type AuditSource interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArchivedRound is the JSON document stored for every closed or cancelled
// round. Amounts are decimal strings.
type ArchivedRound struct {
	ID                      string    `json:"id"`
	Version                 uint8     `json:"version"`
	Status                  string    `json:"status"`
	BidAsset                string    `json:"bid_asset"`
	OfferAsset              string    `json:"offer_asset"`
	Heir                    string    `json:"heir"`
	Recipient               string    `json:"recipient"`
	Payer                   string    `json:"payer"`
	ReturnWallet            string    `json:"return_wallet"`
	ReconciliationAuthority string    `json:"reconciliation_authority,omitempty"`
	BiddingStart            time.Time `json:"bidding_start"`
	BiddingEnd              time.Time `json:"bidding_end"`
	TargetBid               string    `json:"target_bid"`
	TotalBid                string    `json:"total_bid,omitempty"`
	TotalOffer              string    `json:"total_offer,omitempty"`
	AttestedBid             string    `json:"attested_bid"`
	CreatedAt               time.Time `json:"created_at"`

	Outcome    domain.EventType `json:"outcome"`
	FinalEvent domain.Event     `json:"final_event"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// ArchiveImpl implements domain.Archiver. Round snapshots go to
// archive/rounds/{id}.json; audit exports go to
// archive/audit/YYYY/MM/DD/{cutoff}.jsonl and are pruned from the primary
// store only after the upload succeeded.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  AuditSource
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewArchiver creates an ArchiveImpl. audit may be nil when only round
// snapshots are archived.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit AuditSource, logger *slog.Logger) *ArchiveImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger,
		nowFn:  time.Now,
	}
}

// ArchiveRound uploads the final snapshot of a round.
func (a *ArchiveImpl) ArchiveRound(ctx context.Context, r domain.Round, ev domain.Event) error {
	doc := archivedRound(r, ev, a.nowFn().UTC())
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("s3blob: archive round marshal %s: %w", r.ID, err)
	}
	path := RoundPath(r.ID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), contentTypeJSON); err != nil {
		return fmt.Errorf("s3blob: archive round upload %s: %w", r.ID, err)
	}
	a.logger.InfoContext(ctx, "s3blob: round archived",
		slog.String("round_id", r.ID),
		slog.String("path", path),
		slog.String("outcome", string(ev.Type)),
	)
	return nil
}

// LoadRound reads back an archived round snapshot.
func (a *ArchiveImpl) LoadRound(ctx context.Context, id string) (ArchivedRound, error) {
	if a.reader == nil {
		return ArchivedRound{}, fmt.Errorf("s3blob: load round %s: %w", id, domain.ErrNotFound)
	}
	body, err := a.reader.Get(ctx, RoundPath(id))
	if err != nil {
		return ArchivedRound{}, err
	}
	defer body.Close()

	var doc ArchivedRound
	if err := json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(&doc); err != nil {
		return ArchivedRound{}, fmt.Errorf("s3blob: decode archived round %s: %w", id, err)
	}
	return doc, nil
}

// ArchiveAudit exports audit entries created before the cutoff as JSONL,
// then prunes them. It returns the number of exported entries.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	if a.audit == nil {
		return 0, nil
	}
	// List bounds are inclusive and Prune is strict, so stop one tick early
	// to keep the exported and deleted ranges identical.
	until := before.Add(-time.Nanosecond)

	var (
		buf   bytes.Buffer
		count int64
	)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for offset := 0; ; offset += auditPageSize {
		entries, err := a.audit.List(ctx, domain.ListOpts{Until: &until, Limit: auditPageSize, Offset: offset})
		if err != nil {
			return count, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		for i, e := range entries {
			if err := enc.Encode(e); err != nil {
				return count, fmt.Errorf("s3blob: archive audit encode entry %d: %w", offset+i, err)
			}
		}
		count += int64(len(entries))
		if len(entries) < auditPageSize {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	path := auditPath(before)
	if err := a.writer.PutMultipart(ctx, path, &buf, auditPartSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	pruned, err := a.audit.Prune(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive audit prune: %w", err)
	}
	if pruned != count {
		a.logger.WarnContext(ctx, "s3blob: audit prune count differs from export",
			slog.Int64("exported", count),
			slog.Int64("pruned", pruned),
		)
	}
	a.logger.InfoContext(ctx, "s3blob: audit archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return count, nil
}

// RoundPath is the object path of a round snapshot.
func RoundPath(id string) string {
	return "archive/rounds/" + id + ".json"
}

// auditPath partitions audit exports by the day of the cutoff.
//
//	archive/audit/2025/01/31/20250131T000000Z.jsonl
func auditPath(before time.Time) string {
	t := before.UTC()
	return fmt.Sprintf("archive/audit/%s/%s.jsonl", t.Format("2006/01/02"), t.Format("20060102T150405Z"))
}

func archivedRound(r domain.Round, ev domain.Event, now time.Time) ArchivedRound {
	doc := ArchivedRound{
		ID:           r.ID,
		Version:      r.Version,
		Status:       string(r.Status),
		BidAsset:     r.BidAsset,
		OfferAsset:   r.OfferAsset,
		Heir:         r.Heir.Hex(),
		Recipient:    r.Recipient.Hex(),
		Payer:        r.Payer.Hex(),
		ReturnWallet: r.ReturnWallet,
		BiddingStart: r.BiddingStart.UTC(),
		BiddingEnd:   r.BiddingEnd.UTC(),
		TargetBid:    fmt.Sprint(r.TargetBid),
		AttestedBid:  fmt.Sprint(r.AttestedBid),
		CreatedAt:    r.CreatedAt.UTC(),
		Outcome:      ev.Type,
		FinalEvent:   ev,
		ArchivedAt:   now,
	}
	if r.ReconciliationAuthority != nil {
		doc.ReconciliationAuthority = r.ReconciliationAuthority.Hex()
	}
	if r.Accepted() {
		doc.TotalBid = fmt.Sprint(*r.TotalBid)
		doc.TotalOffer = fmt.Sprint(*r.TotalOffer)
	}
	return doc
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
