// Package openmrs implements a session-authenticated client for the OpenMRS
// REST API. Each TM2 record is submitted as three linked resources in
// dependency order: patient, then encounter, then observation.
package openmrs

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tm2bridge/tm2bridge/internal/domain/record"
)

// Well-known OpenMRS reference UUIDs used when a record does not carry its
// own location/provider/concept references.
const (
	openmrsIDTypeUUID      = "05a29f94-c0ed-11e2-94be-8c13b969e334" // OpenMRS ID
	unknownLocationUUID    = "8d6c993e-c2cc-11de-8d13-0010c6dffd0f" // Unknown Location
	visitNoteEncounterUUID = "8d5b27bc-c2cc-11de-8d13-0010c6dffd0f" // Visit Note
	superUserProviderUUID  = "c2299800-cca9-11e0-9572-0800200c9a66" // Super User
	defaultConceptUUID     = "8d4a4c94-c2cc-11de-8d13-0010c6dffd0f"
)

const sessionCookie = "JSESSIONID"

// Config carries connection, credential, and retry settings for the client.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	CreatePatients bool
}

// Client talks to the OpenMRS REST API. It holds an optional session token;
// when absent it authenticates before the first privileged call, and on an
// expired session it re-authenticates once and retries the failed call.
// Transport-level failures are retried with bounded exponential backoff;
// HTTP 4xx responses are not (except the single 401 re-auth).
type Client struct {
	http   *resty.Client
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	token string
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 8 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.BackoffBase).
		SetRetryMaxWaitTime(cfg.BackoffMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only transport failures are transient; HTTP errors flow back
			// to the caller.
			return err != nil
		}).
		SetTransport(&http.Transport{
			MaxConnsPerHost:     100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: httpClient, cfg: cfg, logger: logger}
}

// Close releases idle connections held by the transport.
func (c *Client) Close() {
	if t, ok := c.http.GetClient().Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Authenticate opens a session and stores the returned token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.BaseURL == "" || c.cfg.Username == "" || c.cfg.Password == "" {
		return fmt.Errorf("openmrs credentials not configured")
	}

	var session struct {
		Authenticated bool `json:"authenticated"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}).
		SetResult(&session).
		Post("/session")
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("authenticate: unexpected status %d", resp.StatusCode())
	}
	if !session.Authenticated {
		return fmt.Errorf("authenticate: invalid credentials")
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			c.setSessionToken(cookie.Value)
			c.logger.Info().Msg("openmrs session established")
			return nil
		}
	}
	return fmt.Errorf("authenticate: no session cookie in response")
}

// post issues an authenticated POST and decodes the JSON response into out.
// A 401 response clears the session, re-authenticates once, and retries the
// single failed call.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.sessionToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	resp, err := c.doPost(ctx, path, body, out)
	if err != nil {
		return err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		c.logger.Warn().Str("path", path).Msg("openmrs session expired, re-authenticating")
		c.setSessionToken("")
		if err := c.Authenticate(ctx); err != nil {
			return fmt.Errorf("re-authenticate after 401: %w", err)
		}
		resp, err = c.doPost(ctx, path, body, out)
		if err != nil {
			return err
		}
	}

	if resp.IsError() {
		return fmt.Errorf("openmrs %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, path string, body, out any) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetCookie(&http.Cookie{Name: sessionCookie, Value: c.sessionToken()})
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	if err != nil {
		return nil, fmt.Errorf("openmrs %s: %w", path, err)
	}
	return resp, nil
}

type uuidResponse struct {
	UUID string `json:"uuid"`
}

// CreatePatient registers the record's subject and returns the new UUID.
func (c *Client) CreatePatient(ctx context.Context, rec *record.Record) (string, error) {
	var out uuidResponse
	if err := c.post(ctx, "/patient", buildPatientPayload(rec), &out); err != nil {
		return "", fmt.Errorf("create patient: %w", err)
	}
	c.logger.Info().Str("patient_uuid", out.UUID).Msg("openmrs patient created")
	return out.UUID, nil
}

// CreateEncounter creates an encounter referencing the patient.
func (c *Client) CreateEncounter(ctx context.Context, rec *record.Record, patientUUID string) (string, error) {
	var out uuidResponse
	if err := c.post(ctx, "/encounter", buildEncounterPayload(rec, patientUUID), &out); err != nil {
		return "", fmt.Errorf("create encounter: %w", err)
	}
	c.logger.Info().Str("encounter_uuid", out.UUID).Msg("openmrs encounter created")
	return out.UUID, nil
}

// CreateObservation creates an observation referencing encounter and patient.
func (c *Client) CreateObservation(ctx context.Context, rec *record.Record, patientUUID, encounterUUID string) (string, error) {
	var out uuidResponse
	if err := c.post(ctx, "/obs", buildObservationPayload(rec, patientUUID, encounterUUID), &out); err != nil {
		return "", fmt.Errorf("create observation: %w", err)
	}
	c.logger.Info().Str("obs_uuid", out.UUID).Msg("openmrs observation created")
	return out.UUID, nil
}

// SubmitRecord pushes one record as patient -> encounter -> observation.
// The first failure short-circuits; partial downstream state is accepted and
// logged, never rolled back.
func (c *Client) SubmitRecord(ctx context.Context, rec *record.Record, patientUUID string) error {
	if patientUUID == "" && c.cfg.CreatePatients {
		created, err := c.CreatePatient(ctx, rec)
		if err != nil {
			return err
		}
		patientUUID = created
	}
	if patientUUID == "" {
		return fmt.Errorf("no patient uuid available and patient creation disabled")
	}

	encounterUUID, err := c.CreateEncounter(ctx, rec, patientUUID)
	if err != nil {
		return err
	}

	if _, err := c.CreateObservation(ctx, rec, patientUUID, encounterUUID); err != nil {
		c.logger.Warn().
			Str("patient_uuid", patientUUID).
			Str("encounter_uuid", encounterUUID).
			Msg("observation failed after encounter creation, partial state remains")
		return err
	}
	return nil
}

func strOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

func buildPatientPayload(rec *record.Record) map[string]any {
	return map[string]any{
		"identifiers": []map[string]any{
			{
				"identifier":     rec.PatientIdentifier,
				"identifierType": openmrsIDTypeUUID,
				"location":       strOr(rec.LocationUUID, unknownLocationUUID),
				"preferred":      true,
			},
		},
		"person": map[string]any{
			"names": []map[string]any{
				{
					"givenName":  strOr(rec.GivenName, ""),
					"familyName": strOr(rec.FamilyName, ""),
				},
			},
			"gender":             strOr(rec.Gender, "U"),
			"birthdate":          strOr(rec.Birthdate, ""),
			"birthdateEstimated": false,
		},
	}
}

func buildEncounterPayload(rec *record.Record, patientUUID string) map[string]any {
	return map[string]any{
		"patient":           patientUUID,
		"encounterType":     visitNoteEncounterUUID,
		"encounterDatetime": strOr(rec.EncounterDatetime, ""),
		"location":          strOr(rec.LocationUUID, unknownLocationUUID),
		"provider":          strOr(rec.ProviderUUID, superUserProviderUUID),
	}
}

func buildObservationPayload(rec *record.Record, patientUUID, encounterUUID string) map[string]any {
	payload := map[string]any{
		"person":      patientUUID,
		"obsDatetime": strOr(rec.EncounterDatetime, ""),
		"concept":     strOr(rec.ConceptUUID, defaultConceptUUID),
		"encounter":   encounterUUID,
	}
	switch {
	case rec.ValueNumeric != nil:
		payload["value"] = *rec.ValueNumeric
	case rec.ValueText != nil:
		payload["value"] = *rec.ValueText
	case rec.ValueCoded != nil:
		payload["value"] = *rec.ValueCoded
	}
	return payload
}
