package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/castworks/cw-studio/internal/crypto"
)

type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformCustomRTMP Platform = "custom_rtmp"
)

// Destination is an outbound RTMP target. Stream keys and OAuth
// refresh tokens are sealed in destination_secrets; the struct carries
// only non-secret fields.
type Destination struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	RTMPURL     string   `json:"rtmp_url"`
	BroadcastID string   `json:"broadcast_id,omitempty"` // YouTube liveBroadcast id
	StreamID    string   `json:"stream_id,omitempty"`    // YouTube liveStream id
	WatchdogOn  bool     `json:"watchdog_on"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Bound reports whether a YouTube destination has a broadcast to
// reconcile. Unbound destinations are plain RTMP pushes.
func (d *Destination) Bound() bool {
	return d.Platform == PlatformYouTube && d.BroadcastID != ""
}

type DestinationModel struct {
	DB DBTX
}

func (m DestinationModel) Create(ctx context.Context, d *Destination) error {
	query := `
		INSERT INTO destinations (name, platform, rtmp_url, broadcast_id, stream_id, watchdog_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		d.Name, d.Platform, d.RTMPURL, d.BroadcastID, d.StreamID, d.WatchdogOn,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (m DestinationModel) GetByID(ctx context.Context, id int64) (*Destination, error) {
	query := `
		SELECT id, name, platform, rtmp_url, broadcast_id, stream_id, watchdog_on, created_at, updated_at
		FROM destinations
		WHERE id = $1`

	var d Destination
	var broadcastID, streamID sql.NullString
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.Platform, &d.RTMPURL, &broadcastID, &streamID,
		&d.WatchdogOn, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	d.BroadcastID = broadcastID.String
	d.StreamID = streamID.String
	return &d, nil
}

func (m DestinationModel) List(ctx context.Context) ([]*Destination, error) {
	query := `
		SELECT id, name, platform, rtmp_url, broadcast_id, stream_id, watchdog_on, created_at, updated_at
		FROM destinations
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Destination
	for rows.Next() {
		var d Destination
		var broadcastID, streamID sql.NullString
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Platform, &d.RTMPURL, &broadcastID, &streamID,
			&d.WatchdogOn, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		d.BroadcastID = broadcastID.String
		d.StreamID = streamID.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (m DestinationModel) Update(ctx context.Context, d *Destination) error {
	query := `
		UPDATE destinations
		SET name = $1, platform = $2, rtmp_url = $3, broadcast_id = $4, stream_id = $5,
		    watchdog_on = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		d.Name, d.Platform, d.RTMPURL, d.BroadcastID, d.StreamID, d.WatchdogOn, d.ID,
	).Scan(&d.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

func (m DestinationModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM destinations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Secret kinds stored per destination.
const (
	SecretStreamKey    = "stream_key"
	SecretRefreshToken = "refresh_token"
)

// SetSecret seals and upserts one named secret for a destination.
func (m DestinationModel) SetSecret(ctx context.Context, keyring *crypto.Keyring, id int64, kind, value string) error {
	sealed, err := keyring.Seal([]byte(value), destinationAAD(id, kind))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO destination_secrets (destination_id, kind, master_kid, dek_nonce, dek_ciphertext, dek_tag, data_nonce, data_ciphertext, data_tag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (destination_id, kind) DO UPDATE SET
			master_kid = EXCLUDED.master_kid,
			dek_nonce = EXCLUDED.dek_nonce,
			dek_ciphertext = EXCLUDED.dek_ciphertext,
			dek_tag = EXCLUDED.dek_tag,
			data_nonce = EXCLUDED.data_nonce,
			data_ciphertext = EXCLUDED.data_ciphertext,
			data_tag = EXCLUDED.data_tag,
			updated_at = NOW()`

	_, err = m.DB.ExecContext(ctx, query,
		id, kind, sealed.MasterKID,
		sealed.DEKNonce, sealed.DEKCiphertext, sealed.DEKTag,
		sealed.DataNonce, sealed.DataCiphertext, sealed.DataTag,
	)
	return err
}

// GetSecret opens one named secret. ErrRecordNotFound when absent.
func (m DestinationModel) GetSecret(ctx context.Context, keyring *crypto.Keyring, id int64, kind string) (string, error) {
	query := `
		SELECT master_kid, dek_nonce, dek_ciphertext, dek_tag, data_nonce, data_ciphertext, data_tag
		FROM destination_secrets
		WHERE destination_id = $1 AND kind = $2`

	var s crypto.SealedSecret
	err := m.DB.QueryRowContext(ctx, query, id, kind).Scan(
		&s.MasterKID, &s.DEKNonce, &s.DEKCiphertext, &s.DEKTag,
		&s.DataNonce, &s.DataCiphertext, &s.DataTag,
	)
	if err == sql.ErrNoRows {
		return "", ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}

	plain, err := keyring.Open(&s, destinationAAD(id, kind))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func destinationAAD(id int64, kind string) []byte {
	return []byte(fmt.Sprintf("destination:%d:%s", id, kind))
}
