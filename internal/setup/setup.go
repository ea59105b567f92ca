// Package setup implements the OnlyCat account setup step: it collects an
// access token, validates it against the OnlyCat gateway and hands the
// validated identity to the flow manager as a new config entry.
package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/logging"
	"github.com/catflap-labs/onlycat-bridge/internal/onlycat"
	"github.com/catflap-labs/onlycat-bridge/internal/util"
	"github.com/tidwall/gjson"
)

const (
	// Domain is the integration name entries are filed under.
	Domain = "onlycat"
	// Version is recorded on every entry this flow creates.
	Version = 1
	// StepUser is the only step of the flow.
	StepUser = "user"

	// FieldAccessToken is the form field carrying the OnlyCat access token.
	FieldAccessToken = "access_token"

	// DataUserID and DataToken are the keys of the created entry's data.
	DataUserID = "user_id"
	DataToken  = "token"
)

// Error codes shown under the form's "base" key.
const (
	ErrorAuth       = "auth"
	ErrorConnection = "connection"
	ErrorUnknown    = "unknown"
)

const (
	eventUserUpdate = "userUpdate"
	requestProbe    = "getDevices"

	// missingUserID is used as the unique id when the gateway never announced a profile.
	missingUserID = "None"

	disconnectTimeout = 10 * time.Second
)

var errMissingProfile = errors.New("setup: gateway accepted the token but sent no user profile")

// RemoteClient is the part of the OnlyCat client the setup step drives.
type RemoteClient interface {
	AddEventListener(event string, fn onlycat.Listener)
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, name string, payload any) (gjson.Result, error)
	Disconnect(ctx context.Context) error
}

// ClientFactory builds a client bound to token over a fresh session.
type ClientFactory func(token string) (RemoteClient, error)

// NewClientFactory returns a ClientFactory that dials through sessions.
func NewClientFactory(sessions onlycat.SessionFactory) ClientFactory {
	return func(token string) (RemoteClient, error) {
		session, err := sessions()
		if err != nil {
			return nil, err
		}
		return onlycat.NewClient(token, session), nil
	}
}

// CredentialSetupStep is the flow handler for the "user" step.
type CredentialSetupStep struct {
	// NewClient creates the client for one validation attempt.
	NewClient ClientFactory
	// StrictUserID fails validation instead of falling back to "None" when no profile arrives.
	StrictUserID bool
}

// New creates the step from configuration.
func New(cfg *config.Config) *CredentialSetupStep {
	strict := false
	if cfg != nil {
		strict = cfg.OnlyCat.StrictUserID
	}
	return &CredentialSetupStep{
		NewClient:    NewClientFactory(onlycat.NewSessionFactory(cfg)),
		StrictUserID: strict,
	}
}

// Register installs the OnlyCat flow on m. Calling it again replaces the
// previous registration, which is how configuration reloads take effect.
func Register(m *flow.Manager, cfg *config.Config) {
	m.Register(Domain, Version, func() flow.Handler { return New(cfg) })
}

// Schema returns the form schema, pre-filling the token field with token.
func Schema(token string) flow.Schema {
	return flow.Schema{{
		Name:     FieldAccessToken,
		Type:     flow.FieldTypePassword,
		Required: true,
		Default:  token,
	}}
}

// Step implements flow.Handler.
func (s *CredentialSetupStep) Step(ctx context.Context, fc *flow.Context, stepID string, input map[string]string) (*flow.Result, error) {
	if stepID != StepUser {
		return nil, fmt.Errorf("setup: unknown step %q", stepID)
	}
	if input == nil {
		return fc.ShowForm(StepUser, Schema(""), nil), nil
	}

	token := input[FieldAccessToken]
	userID, err := s.validate(ctx, token)
	if err != nil {
		code := errorCode(ctx, err)
		return fc.ShowForm(StepUser, Schema(token), map[string]string{"base": code}), nil
	}

	if err = fc.SetUniqueID(userID); err != nil {
		return nil, err
	}
	if err = fc.AbortIfUniqueIDConfigured(); err != nil {
		return nil, err
	}
	logging.Entry(ctx).WithField("unique_id", userID).Debug("creating OnlyCat config entry")
	return fc.CreateEntry(userID, map[string]string{
		DataUserID: userID,
		DataToken:  token,
	}), nil
}

// validate connects with token, sends the capability probe and disconnects.
// It returns the user id announced by the gateway while connected.
func (s *CredentialSetupStep) validate(ctx context.Context, token string) (string, error) {
	newClient := s.NewClient
	if newClient == nil {
		newClient = NewClientFactory(onlycat.NewSessionFactory(nil))
	}
	logging.Entry(ctx).WithField("token", util.MaskToken(token)).Debug("creating OnlyCat client")
	client, err := newClient(token)
	if err != nil {
		return "", err
	}

	var holder userIDHolder
	client.AddEventListener(eventUserUpdate, holder.capture)

	err = client.Connect(ctx)
	if err == nil {
		_, err = client.SendMessage(ctx, requestProbe, map[string]any{"subscribe": false})
	}

	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	errDisconnect := client.Disconnect(disconnectCtx)
	cancel()
	if err == nil {
		err = errDisconnect
	} else if errDisconnect != nil {
		logging.Entry(ctx).WithError(errDisconnect).Debug("OnlyCat disconnect failed after validation error")
	}
	if err != nil {
		return "", err
	}

	userID, ok := holder.load()
	if !ok {
		if s.StrictUserID {
			return "", errMissingProfile
		}
		logging.Entry(ctx).Warn("OnlyCat gateway sent no user profile, using \"None\" as unique id")
		userID = missingUserID
	}
	return userID, nil
}

// errorCode maps a validation failure to a form error code and logs it.
func errorCode(ctx context.Context, err error) string {
	entry := logging.Entry(ctx).WithField("kind", onlycat.KindOf(err).String())
	switch onlycat.KindOf(err) {
	case onlycat.KindAuth:
		entry.WithError(err).Warn("OnlyCat rejected the access token")
		return ErrorAuth
	case onlycat.KindCommunication:
		entry.WithError(err).Error("cannot communicate with OnlyCat")
		return ErrorConnection
	default:
		entry.WithError(err).Errorf("unexpected error validating OnlyCat access token: %+v", err)
		return ErrorUnknown
	}
}

// userIDHolder keeps the id of the last userUpdate received.
type userIDHolder struct {
	mu sync.Mutex
	id string
	ok bool
}

func (h *userIDHolder) capture(payload gjson.Result) {
	if !payload.IsObject() {
		return
	}
	id := payload.Get("id")
	if !id.Exists() || id.Type == gjson.Null {
		return
	}
	h.mu.Lock()
	h.id, h.ok = id.String(), true
	h.mu.Unlock()
}

func (h *userIDHolder) load() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.ok
}
