package auth

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/internal/uuid"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

// StageResult is the outcome of one registration stage. Completed holds
// every stage completed so far for this base URL and username, in the order
// they completed. Session, Flows and Params describe what the homeserver
// expects next while Done is false.
type StageResult struct {
	Completed []string
	Done      bool

	Session string
	Flows   []matrix.UIAFlow
	Params  map[string]any
}

// stageEnvelope is the single shape both registration replies are
// normalized into: a 2xx reply and a 401 interactive-auth reply carry the
// same fields.
type stageEnvelope struct {
	completed   []string
	session     string
	flows       []matrix.UIAFlow
	params      map[string]any
	accessToken string
	deviceID    string
	userID      string
}

// normalizeRegister folds the two reply shapes into one envelope. Errors
// that carry no interactive-auth envelope are returned unchanged.
func normalizeRegister(resp *matrix.RegisterResponse, err error) (*stageEnvelope, error) {
	if err == nil {
		return &stageEnvelope{
			completed:   resp.Completed,
			accessToken: resp.AccessToken,
			deviceID:    resp.DeviceID,
			userID:      resp.UserID,
		}, nil
	}
	uia, ok := matrix.AsUIA(err)
	if !ok {
		return nil, err
	}
	return &stageEnvelope{
		completed:   uia.Completed,
		session:     uia.Session,
		flows:       uia.Flows,
		params:      uia.Params,
		accessToken: uia.AccessToken,
		deviceID:    uia.DeviceID,
		userID:      uia.UserID,
	}, nil
}

type registration struct {
	baseURL  string
	username string
}

// Registrar drives the multi-stage registration handshake. It remembers the
// stages completed per (base URL, username) until registration finishes.
type Registrar struct {
	state *session.State
	cfg   config

	mu       sync.Mutex
	progress map[registration][]string
}

// NewRegistrar creates a Registrar writing into state.
func NewRegistrar(state *session.State, opts ...Option) *Registrar {
	return &Registrar{
		state:    state,
		cfg:      newConfig(opts),
		progress: make(map[registration][]string),
	}
}

// RegisterStage submits one interactive-auth stage. Progress reported in a
// 401 reply is returned as a normal StageResult; once the homeserver issues
// an access token the credentials are written and Done is set.
func (r *Registrar) RegisterStage(ctx context.Context, baseURL, username, password string, auth map[string]any) (result *StageResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "register", telemetry.BaseURL(baseURL))
	defer func() {
		telemetry.End(span, err)
		switch {
		case err != nil:
			r.cfg.metrics.RecordFlow(telemetry.FlowRegister, telemetry.OutcomeFailure)
		case result.Done:
			r.cfg.metrics.RecordFlow(telemetry.FlowRegister, telemetry.OutcomeSuccess)
		default:
			r.cfg.metrics.RecordFlow(telemetry.FlowRegister, telemetry.OutcomePartial)
		}
	}()

	client, err := r.cfg.client(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	env, err := normalizeRegister(client.Register(ctx, matrix.RegisterRequest{
		Username:                 username,
		Password:                 password,
		Auth:                     auth,
		InitialDeviceDisplayName: r.cfg.deviceDisplayName,
	}))
	if err != nil {
		r.cfg.logger.Warn("registration failed", "base_url", client.BaseURL(), "error", err)
		return nil, err
	}

	key := registration{baseURL: client.BaseURL(), username: username}
	completed := r.accumulate(key, env.completed)
	result = &StageResult{
		Completed: completed,
		Session:   env.session,
		Flows:     env.flows,
		Params:    env.params,
	}
	if env.accessToken == "" {
		return result, nil
	}

	creds := session.Credentials{
		AccessToken: env.accessToken,
		DeviceID:    env.deviceID,
		UserID:      env.userID,
		BaseURL:     client.BaseURL(),
	}
	if !creds.Complete() {
		return nil, matrix.ErrIncompleteResponse
	}
	if err := r.state.Credentials.Save(creds); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	r.reset(key)
	result.Done = true
	r.cfg.logger.Info("registered", "user_id", creds.UserID, "base_url", creds.BaseURL)
	return result, nil
}

// accumulate merges newly reported stages into the remembered progress,
// keeping first-completion order.
func (r *Registrar) accumulate(key registration, stages []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	progress := r.progress[key]
	for _, stage := range stages {
		if !slices.Contains(progress, stage) {
			progress = append(progress, stage)
		}
	}
	r.progress[key] = progress
	return slices.Clone(progress)
}

func (r *Registrar) reset(key registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.progress, key)
}

// EmailToken identifies an email validation in progress. ClientSecret must
// accompany the m.login.email.identity stage.
type EmailToken struct {
	SID          string
	ClientSecret string
	SubmitURL    string
}

// RequestEmailToken asks the homeserver to mail a validation token to
// email. An empty clientSecret is replaced by a random one.
func (r *Registrar) RequestEmailToken(ctx context.Context, baseURL, email, clientSecret string, sendAttempt int, nextLink string) (*EmailToken, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if clientSecret == "" {
		clientSecret = uuid.New()
	}
	if sendAttempt < 1 {
		sendAttempt = 1
	}
	client, err := r.cfg.client(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	resp, err := client.RequestEmailToken(ctx, matrix.EmailTokenRequest{
		Email:        email,
		ClientSecret: clientSecret,
		SendAttempt:  sendAttempt,
		NextLink:     nextLink,
	})
	if err != nil {
		return nil, err
	}
	return &EmailToken{SID: resp.SID, ClientSecret: clientSecret, SubmitURL: resp.SubmitURL}, nil
}
