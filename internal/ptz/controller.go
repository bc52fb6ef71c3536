package ptz

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/castworks/cw-studio/internal/crypto"
	"github.com/castworks/cw-studio/internal/data"
)

// probePorts is the fallback ladder when a camera reports no ONVIF
// port. Most consumer PTZ cameras answer on 8899, the rest on the
// usual HTTP ports.
var probePorts = []int{8899, 80, 8000}

// Position is a normalized PTZ coordinate. Pan and tilt run -1..1,
// zoom 0..1.
type Position struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Zoom float64 `json:"zoom"`
}

// Directory is the slice of the camera model the controller needs.
type Directory interface {
	GetByID(ctx context.Context, id int64) (*data.Camera, error)
	SetDeviceURL(ctx context.Context, id int64, deviceURL string) error
	GetPassword(ctx context.Context, keyring *crypto.Keyring, id int64) (string, error)
}

// Config carries the ONVIF timeouts. Zero values fall back to the
// defaults the cameras in the field were tuned against.
type Config struct {
	DeviceURL    string
	ProbeTimeout time.Duration
	OpTimeout    time.Duration
	SettleDelay  time.Duration
	Debug        bool // log SOAP request/response bodies
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 3 * time.Second
	}
	return c
}

type cachedDevice struct {
	deviceURL    string
	profileToken string
}

// Controller resolves ONVIF endpoints per camera and issues PTZ
// operations against them. Resolution results are cached so steady
// state costs one SOAP round trip per operation.
type Controller struct {
	cfg     Config
	dir     Directory
	keyring *crypto.Keyring
	cache   *lru.Cache[int64, cachedDevice]
}

func NewController(cfg Config, dir Directory, keyring *crypto.Keyring) *Controller {
	cache, _ := lru.New[int64, cachedDevice](128)
	return &Controller{cfg: cfg.withDefaults(), dir: dir, keyring: keyring, cache: cache}
}

// Forget drops the cached endpoint for a camera. Called after camera
// edits so the next operation re-resolves.
func (c *Controller) Forget(cameraID int64) {
	c.cache.Remove(cameraID)
}

// AbsoluteMove drives the camera to a normalized position and blocks
// through the settle delay so a caller can cut to the feed as soon as
// it returns.
func (c *Controller) AbsoluteMove(ctx context.Context, cameraID int64, pos Position) error {
	if err := validatePosition(pos); err != nil {
		return stepErr("AbsoluteMove", err)
	}
	dev, cl, err := c.resolve(ctx, cameraID)
	if err != nil {
		return stepErr("AbsoluteMove", err)
	}

	body := fmt.Sprintf(`<AbsoluteMove xmlns="http://www.onvif.org/ver20/ptz/wsdl">
  <ProfileToken>%s</ProfileToken>
  <Position>
    <PanTilt x="%g" y="%g" xmlns="http://www.onvif.org/ver10/schema"/>
    <Zoom x="%g" xmlns="http://www.onvif.org/ver10/schema"/>
  </Position>
</AbsoluteMove>`, dev.profileToken, pos.Pan, pos.Tilt, pos.Zoom)

	if _, err := cl.Do(ctx, body); err != nil {
		c.cache.Remove(cameraID)
		return stepErr("AbsoluteMove", err)
	}
	return c.settle(ctx)
}

// GotoPreset recalls a device-stored preset by token and blocks
// through the settle delay.
func (c *Controller) GotoPreset(ctx context.Context, cameraID int64, token string) error {
	dev, cl, err := c.resolve(ctx, cameraID)
	if err != nil {
		return stepErr("GotoPreset", err)
	}

	body := fmt.Sprintf(`<GotoPreset xmlns="http://www.onvif.org/ver20/ptz/wsdl">
  <ProfileToken>%s</ProfileToken>
  <PresetToken>%s</PresetToken>
</GotoPreset>`, dev.profileToken, xmlEscape(token))

	if _, err := cl.Do(ctx, body); err != nil {
		c.cache.Remove(cameraID)
		return stepErr("GotoPreset", err)
	}
	return c.settle(ctx)
}

var presetTokenRe = regexp.MustCompile(`<[^>]*PresetToken>([^<]+)<`)

// SetPreset drives the camera to pos, stores it as a device preset and
// returns the token the device assigned. Some cameras ack SetPreset
// without a token; the empty return is not an error, the caller picks
// a substitute identifier.
func (c *Controller) SetPreset(ctx context.Context, cameraID int64, name string, pos Position) (string, error) {
	if err := c.AbsoluteMove(ctx, cameraID, pos); err != nil {
		return "", err
	}
	dev, cl, err := c.resolve(ctx, cameraID)
	if err != nil {
		return "", stepErr("SetPreset", err)
	}

	body := fmt.Sprintf(`<SetPreset xmlns="http://www.onvif.org/ver20/ptz/wsdl">
  <ProfileToken>%s</ProfileToken>
  <PresetName>%s</PresetName>
</SetPreset>`, dev.profileToken, xmlEscape(name))

	raw, err := cl.Do(ctx, body)
	if err != nil {
		return "", stepErr("SetPreset", err)
	}
	if m := presetTokenRe.FindSubmatch(raw); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}

var (
	panTiltRe = regexp.MustCompile(`<[^>]*PanTilt[^>]*\bx="(-?[0-9.]+)"[^>]*\by="(-?[0-9.]+)"`)
	zoomRe    = regexp.MustCompile(`<[^>]*Zoom[^>]*\bx="(-?[0-9.]+)"`)
)

// GetStatus reads the camera's current PTZ position.
func (c *Controller) GetStatus(ctx context.Context, cameraID int64) (Position, error) {
	dev, cl, err := c.resolve(ctx, cameraID)
	if err != nil {
		return Position{}, stepErr("GetStatus", err)
	}

	body := fmt.Sprintf(`<GetStatus xmlns="http://www.onvif.org/ver20/ptz/wsdl">
  <ProfileToken>%s</ProfileToken>
</GetStatus>`, dev.profileToken)

	raw, err := cl.Do(ctx, body)
	if err != nil {
		c.cache.Remove(cameraID)
		return Position{}, stepErr("GetStatus", err)
	}

	var pos Position
	if m := panTiltRe.FindSubmatch(raw); m != nil {
		pos.Pan, _ = strconv.ParseFloat(string(m[1]), 64)
		pos.Tilt, _ = strconv.ParseFloat(string(m[2]), 64)
	}
	if m := zoomRe.FindSubmatch(raw); m != nil {
		pos.Zoom, _ = strconv.ParseFloat(string(m[1]), 64)
	}
	return pos, nil
}

// CapturePosition is GetStatus under the name the preset workflow uses:
// read where the operator parked the camera so it can be saved.
func (c *Controller) CapturePosition(ctx context.Context, cameraID int64) (Position, error) {
	return c.GetStatus(ctx, cameraID)
}

// MoveToPreset drives to the preset's stored coordinates, then recalls
// the device-side token when one exists. The coordinate move covers
// cameras whose firmware lost the preset; the token recall corrects
// for calibration drift.
func (c *Controller) MoveToPreset(ctx context.Context, cameraID int64, preset *data.Preset) error {
	if err := c.AbsoluteMove(ctx, cameraID, Position{Pan: preset.Pan, Tilt: preset.Tilt, Zoom: preset.Zoom}); err != nil {
		return err
	}
	if preset.Token == "" {
		return nil
	}
	return c.GotoPreset(ctx, cameraID, preset.Token)
}

// Reachable probes the camera's ONVIF endpoint without moving anything.
// The health monitor uses it for its periodic PTZ check.
func (c *Controller) Reachable(ctx context.Context, cameraID int64) error {
	_, _, err := c.resolve(ctx, cameraID)
	return err
}

func (c *Controller) settle(ctx context.Context) error {
	select {
	case <-time.After(c.cfg.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validatePosition(pos Position) error {
	if pos.Pan < -1 || pos.Pan > 1 || pos.Tilt < -1 || pos.Tilt > 1 {
		return fmt.Errorf("pan/tilt out of range [-1,1]: pan=%g tilt=%g", pos.Pan, pos.Tilt)
	}
	if pos.Zoom < 0 || pos.Zoom > 1 {
		return fmt.Errorf("zoom out of range [0,1]: %g", pos.Zoom)
	}
	return nil
}

// resolve returns the cached device endpoint and profile token for a
// camera, discovering both on first use.
func (c *Controller) resolve(ctx context.Context, cameraID int64) (cachedDevice, *soapClient, error) {
	cam, err := c.dir.GetByID(ctx, cameraID)
	if err != nil {
		return cachedDevice{}, nil, err
	}
	password, err := c.dir.GetPassword(ctx, c.keyring, cameraID)
	if err != nil {
		return cachedDevice{}, nil, err
	}

	if dev, ok := c.cache.Get(cameraID); ok {
		return dev, newSOAPClient(dev.deviceURL, cam.Username, password, c.cfg.OpTimeout, c.cfg.Debug), nil
	}

	deviceURL, err := c.discoverEndpoint(ctx, cam, password)
	if err != nil {
		return cachedDevice{}, nil, err
	}

	cl := newSOAPClient(deviceURL, cam.Username, password, c.cfg.OpTimeout, c.cfg.Debug)
	token, err := c.profileToken(ctx, cl)
	if err != nil {
		return cachedDevice{}, nil, err
	}

	dev := cachedDevice{deviceURL: deviceURL, profileToken: token}
	c.cache.Add(cameraID, dev)
	if cam.DeviceURL != deviceURL {
		if err := c.dir.SetDeviceURL(ctx, cameraID, deviceURL); err != nil {
			log.Printf("[ptz] camera %d: persist device url: %v", cameraID, err)
		}
	}
	return dev, cl, nil
}

// discoverEndpoint walks the resolution ladder: a known device URL, a
// camera-reported port, then the common ONVIF ports.
func (c *Controller) discoverEndpoint(ctx context.Context, cam *data.Camera, password string) (string, error) {
	if cam.DeviceURL != "" {
		return cam.DeviceURL, nil
	}
	if c.cfg.DeviceURL != "" {
		return c.cfg.DeviceURL, nil
	}

	ports := make([]int, 0, len(probePorts)+1)
	if cam.ONVIFPort != nil {
		ports = append(ports, *cam.ONVIFPort)
	}
	for _, p := range probePorts {
		skip := false
		for _, seen := range ports {
			if seen == p {
				skip = true
			}
		}
		if !skip {
			ports = append(ports, p)
		}
	}

	for _, port := range ports {
		candidate := fmt.Sprintf("http://%s:%d/onvif/device_service", cam.Host, port)
		if c.probe(ctx, candidate, cam.Username, password) {
			log.Printf("[ptz] camera %d: onvif endpoint found on port %d", cam.ID, port)
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no onvif service on ports %v", ErrUnreachable, ports)
}

// probe asks for the device clock, the one ONVIF call every conformant
// device answers, authenticated or not.
func (c *Controller) probe(ctx context.Context, endpoint, username, password string) bool {
	cl := newSOAPClient(endpoint, username, password, c.cfg.ProbeTimeout, c.cfg.Debug)
	_, err := cl.Do(ctx, `<GetSystemDateAndTime xmlns="http://www.onvif.org/ver10/device/wsdl"/>`)
	// An auth rejection still proves something ONVIF-shaped answered.
	return err == nil || errors.Is(err, ErrAuthFailed)
}

var profileTokenRe = regexp.MustCompile(`<[^>]*Profiles[^>]*\btoken="([^"]+)"`)

func (c *Controller) profileToken(ctx context.Context, cl *soapClient) (string, error) {
	raw, err := cl.Do(ctx, `<GetProfiles xmlns="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return "", err
	}
	m := profileTokenRe.FindSubmatch(raw)
	if m == nil {
		return "", ErrUnsupportedProfile
	}
	return string(m[1]), nil
}

func debugf(format string, args ...any) {
	log.Printf("[ptz] "+format, args...)
}
