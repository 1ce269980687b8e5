package session

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by Send when the transport is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrUploadFailed means the upload endpoint returned no usable metadata.
	ErrUploadFailed = errors.New("upload failed")
	// ErrRefreshFailed means the refresh endpoint call failed or returned non-success.
	ErrRefreshFailed = errors.New("refresh failed")
	// ErrInvalidFileSelection is returned before any network call when the
	// selected file does not carry the expected extension.
	ErrInvalidFileSelection = errors.New("invalid file selection")
)

// ModelExtension is the only model file type the session accepts.
const ModelExtension = ".ifc"

// ValidateSelection rejects files without the model extension. It runs before
// any network call is made.
func ValidateSelection(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ModelExtension) {
		return errors.Wrapf(ErrInvalidFileSelection, "%s: expected a %s file", filepath.Base(path), ModelExtension)
	}
	return nil
}

// ConnectionState is the status of the duplex transport.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connecting":
		*s = StateConnecting
	case "open":
		*s = StateOpen
	case "closed":
		*s = StateClosed
	default:
		return errors.Errorf("unknown connection state %q", string(b))
	}
	return nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the visible history. Turns are append-only; the
// ordinal is assigned by the store and strictly increases within a session.
type Turn struct {
	Ordinal   int       `json:"ordinal"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityCount is the number of entities of one IFC type in the loaded model.
type EntityCount struct {
	Type  string `json:"type" yaml:"type"`
	Count int    `json:"count" yaml:"count"`
}

// ModelContext describes the currently loaded building model.
type ModelContext struct {
	Filename           string        `json:"filename" yaml:"filename"`
	ProjectName        string        `json:"projectName" yaml:"projectName"`
	ProjectDescription string        `json:"projectDescription,omitempty" yaml:"projectDescription,omitempty"`
	Entities           []EntityCount `json:"entities" yaml:"entities"`
}

// Clone returns a deep copy so snapshots never alias store state.
func (mc *ModelContext) Clone() *ModelContext {
	if mc == nil {
		return nil
	}
	out := *mc
	out.Entities = append([]EntityCount(nil), mc.Entities...)
	return &out
}

// wireContext is the model context as the backend expects it on the wire.
type wireContext struct {
	Filename    string        `json:"filename"`
	ProjectName string        `json:"projectName"`
	Entities    []EntityCount `json:"entities"`
}

// OutboundEnvelope is the message sent to the backend for one submit.
type OutboundEnvelope struct {
	Message string        `json:"message"`
	Context *ModelContext `json:"-"`
}

// BuildEnvelope pairs text with a snapshot of the model context as it is right now.
func BuildEnvelope(text string, mc *ModelContext) OutboundEnvelope {
	return OutboundEnvelope{Message: text, Context: mc.Clone()}
}

// Marshal encodes the envelope as `{"message": ..., "context": {...}|null}`.
func (e OutboundEnvelope) Marshal() ([]byte, error) {
	var ctx *wireContext
	if e.Context != nil {
		entities := e.Context.Entities
		if entities == nil {
			entities = []EntityCount{}
		}
		ctx = &wireContext{
			Filename:    e.Context.Filename,
			ProjectName: e.Context.ProjectName,
			Entities:    entities,
		}
	}
	b, err := json.Marshal(struct {
		Message string       `json:"message"`
		Context *wireContext `json:"context"`
	}{Message: e.Message, Context: ctx})
	if err != nil {
		return nil, errors.Wrap(err, "marshal outbound envelope")
	}
	return b, nil
}
