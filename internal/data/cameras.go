package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/castworks/cw-studio/internal/crypto"
)

// CameraKind distinguishes fixed cameras from PTZ-capable ones.
type CameraKind string

const (
	CameraStationary CameraKind = "stationary"
	CameraPTZ        CameraKind = "ptz"
)

// Camera is an RTSP source. The password lives in camera_secrets,
// sealed by the keyring; read paths here never return it.
type Camera struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	RTSPPort   int        `json:"rtsp_port"`
	StreamPath string     `json:"stream_path"`
	Username   string     `json:"username"`
	Kind       CameraKind `json:"kind"`
	ONVIFPort  *int       `json:"onvif_port,omitempty"` // explicit override
	DeviceURL  string     `json:"device_url,omitempty"` // cached discovered ONVIF endpoint
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RTSPURL assembles the source URL with the given plaintext password.
// Callers must never log the result unsanitized.
func (c *Camera) RTSPURL(password string) string {
	auth := ""
	if c.Username != "" {
		auth = c.Username + ":" + password + "@"
	}
	return fmt.Sprintf("rtsp://%s%s:%d/%s", auth, c.Host, c.RTSPPort, c.StreamPath)
}

type CameraModel struct {
	DB DBTX
}

func (m CameraModel) Create(ctx context.Context, c *Camera) error {
	query := `
		INSERT INTO cameras (name, host, rtsp_port, stream_path, username, kind, onvif_port, device_url, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		c.Name, c.Host, c.RTSPPort, c.StreamPath, c.Username,
		c.Kind, c.ONVIFPort, c.DeviceURL, c.Enabled,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (m CameraModel) GetByID(ctx context.Context, id int64) (*Camera, error) {
	query := `
		SELECT id, name, host, rtsp_port, stream_path, username, kind, onvif_port, device_url, enabled, created_at, updated_at
		FROM cameras
		WHERE id = $1`

	var c Camera
	var deviceURL sql.NullString
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Host, &c.RTSPPort, &c.StreamPath, &c.Username,
		&c.Kind, &c.ONVIFPort, &deviceURL, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	c.DeviceURL = deviceURL.String
	return &c, nil
}

func (m CameraModel) List(ctx context.Context) ([]*Camera, error) {
	query := `
		SELECT id, name, host, rtsp_port, stream_path, username, kind, onvif_port, device_url, enabled, created_at, updated_at
		FROM cameras
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []*Camera
	for rows.Next() {
		var c Camera
		var deviceURL sql.NullString
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Host, &c.RTSPPort, &c.StreamPath, &c.Username,
			&c.Kind, &c.ONVIFPort, &deviceURL, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		c.DeviceURL = deviceURL.String
		cameras = append(cameras, &c)
	}
	return cameras, rows.Err()
}

func (m CameraModel) Update(ctx context.Context, c *Camera) error {
	query := `
		UPDATE cameras
		SET name = $1, host = $2, rtsp_port = $3, stream_path = $4, username = $5,
		    kind = $6, onvif_port = $7, enabled = $8, updated_at = NOW()
		WHERE id = $9
		RETURNING updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		c.Name, c.Host, c.RTSPPort, c.StreamPath, c.Username,
		c.Kind, c.ONVIFPort, c.Enabled, c.ID,
	).Scan(&c.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// SetDeviceURL caches the discovered ONVIF endpoint for a camera.
func (m CameraModel) SetDeviceURL(ctx context.Context, id int64, deviceURL string) error {
	query := `UPDATE cameras SET device_url = $1, updated_at = NOW() WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, deviceURL, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m CameraModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM cameras WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SetPassword seals and upserts the RTSP password for a camera.
func (m CameraModel) SetPassword(ctx context.Context, keyring *crypto.Keyring, id int64, password string) error {
	sealed, err := keyring.Seal([]byte(password), cameraAAD(id))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO camera_secrets (camera_id, master_kid, dek_nonce, dek_ciphertext, dek_tag, data_nonce, data_ciphertext, data_tag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (camera_id) DO UPDATE SET
			master_kid = EXCLUDED.master_kid,
			dek_nonce = EXCLUDED.dek_nonce,
			dek_ciphertext = EXCLUDED.dek_ciphertext,
			dek_tag = EXCLUDED.dek_tag,
			data_nonce = EXCLUDED.data_nonce,
			data_ciphertext = EXCLUDED.data_ciphertext,
			data_tag = EXCLUDED.data_tag,
			updated_at = NOW()`

	_, err = m.DB.ExecContext(ctx, query,
		id, sealed.MasterKID,
		sealed.DEKNonce, sealed.DEKCiphertext, sealed.DEKTag,
		sealed.DataNonce, sealed.DataCiphertext, sealed.DataTag,
	)
	return err
}

// GetPassword opens the sealed RTSP password. A missing row means the
// camera has no auth configured.
func (m CameraModel) GetPassword(ctx context.Context, keyring *crypto.Keyring, id int64) (string, error) {
	query := `
		SELECT master_kid, dek_nonce, dek_ciphertext, dek_tag, data_nonce, data_ciphertext, data_tag
		FROM camera_secrets
		WHERE camera_id = $1`

	var s crypto.SealedSecret
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&s.MasterKID, &s.DEKNonce, &s.DEKCiphertext, &s.DEKTag,
		&s.DataNonce, &s.DataCiphertext, &s.DataTag,
	)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	plain, err := keyring.Open(&s, cameraAAD(id))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func cameraAAD(id int64) []byte {
	return []byte(fmt.Sprintf("camera:%d:password", id))
}
