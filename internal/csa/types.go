// Package csa holds the domain types shared by the counter-trading search:
// borders, candidate values, step results, statuses and task envelopes.
package csa

import (
	"fmt"
	"time"

	"github.com/terminal-bench/csarunner/internal/network"
	"github.com/terminal-bench/csarunner/internal/raoresult"
	"github.com/terminal-bench/csarunner/pkg/megawatt"
)

// Border identifies one of the two coupled SWE borders
type Border string

const (
	PtEs Border = "PT-ES"
	FrEs Border = "FR-ES"
)

// Borders lists both borders in a stable order
var Borders = []Border{PtEs, FrEs}

// Neighbour returns the non-Spanish zone of the border
func (b Border) Neighbour() network.Country {
	if b == PtEs {
		return network.PT
	}
	return network.FR
}

// Exchange returns the boundary flow identifier of the border, oriented from Spain
func (b Border) Exchange() string {
	if b == PtEs {
		return network.ExchangeESPT
	}
	return network.ExchangeESFR
}

// Valid reports whether b is one of the known borders
func (b Border) Valid() bool {
	return b == PtEs || b == FrEs
}

// CounterTradingValues is one candidate point of the search, in MW
type CounterTradingValues struct {
	PtEs float64 `json:"pt_es_ct"`
	FrEs float64 `json:"fr_es_ct"`
}

// For returns the value of one border
func (v CounterTradingValues) For(b Border) float64 {
	if b == PtEs {
		return v.PtEs
	}
	return v.FrEs
}

// With returns a copy of v with the value of one border replaced
func (v CounterTradingValues) With(b Border, mw float64) CounterTradingValues {
	if b == PtEs {
		v.PtEs = mw
	} else {
		v.FrEs = mw
	}
	return v
}

// String returns the canonical form used to name variants and artifact folders
func (v CounterTradingValues) String() string {
	return fmt.Sprintf("PT-ES-%s_FR-ES-%s", megawatt.Label(v.PtEs), megawatt.Label(v.FrEs))
}

// VariantName returns the name of the network variant scaled to v
func (v CounterTradingValues) VariantName() string {
	return "network-ScaledBy-" + v.String()
}

// NoCounterTradingVariant names the variant of the unmodified network
const NoCounterTradingVariant = "no-ct-PT-ES-0_FR-ES-0"

// ReasonInvalid explains why a step carries no security verdict
type ReasonInvalid string

const (
	ReasonNone                    ReasonInvalid = ""
	ReasonGlskLimitation          ReasonInvalid = "GLSK_LIMITATION"
	ReasonBalanceLoadflowDiverged ReasonInvalid = "BALANCE_LOADFLOW_DIVERGENCE"
	ReasonBalanceOutOfTolerance   ReasonInvalid = "BALANCE_OUT_OF_TOLERANCE"
	ReasonValidationFailed        ReasonInvalid = "VALIDATION_FAILED"
	ReasonUnsecureAfterValidation ReasonInvalid = "UNSECURE_AFTER_VALIDATION"
)

// StepResult is the outcome of validating one border at one candidate
type StepResult struct {
	Values         CounterTradingValues
	Validated      bool
	Secure         bool
	Reason         ReasonInvalid
	FailureMessage string
	Artifact       raoresult.Artifact
}

// NewValidationStep creates the result of a completed validation
func NewValidationStep(values CounterTradingValues, artifact raoresult.Artifact, secure bool) StepResult {
	step := StepResult{
		Values:    values,
		Validated: true,
		Secure:    secure,
		Artifact:  artifact,
	}
	if !secure {
		step.Reason = ReasonUnsecureAfterValidation
	}
	return step
}

// NewFailureStep creates the result of a candidate that could not be validated
func NewFailureStep(reason ReasonInvalid, message string, values CounterTradingValues) StepResult {
	return StepResult{
		Values:         values,
		Reason:         reason,
		FailureMessage: message,
	}
}

// IsSecure reports whether the step was validated secure. Failed steps are insecure.
func (s StepResult) IsSecure() bool {
	return s.Validated && s.Secure
}

// Failed reports whether the step ended before a verdict
func (s StepResult) Failed() bool {
	return !s.Validated
}

// Pair holds the results of both borders at one candidate
type Pair struct {
	Values CounterTradingValues
	PtEs   StepResult
	FrEs   StepResult
}

// For returns the result of one border
func (p Pair) For(b Border) StepResult {
	if b == PtEs {
		return p.PtEs
	}
	return p.FrEs
}

// BothSecure reports whether both borders are secure
func (p Pair) BothSecure() bool {
	return p.PtEs.IsSecure() && p.FrEs.IsSecure()
}

// FailedPair builds a pair where both borders failed for the same reason
func FailedPair(values CounterTradingValues, reason ReasonInvalid, err error) Pair {
	return Pair{
		Values: values,
		PtEs:   NewFailureStep(reason, fmt.Sprintf("%s border: %v", PtEs, err), values),
		FrEs:   NewFailureStep(reason, fmt.Sprintf("%s border: %v", FrEs, err), values),
	}
}

// Status is the outcome reported for a border
type Status string

const (
	StatusFinishedSecure     Status = "FINISHED_SECURE"
	StatusFinishedUnsecure   Status = "FINISHED_UNSECURE"
	StatusInterruptedSecure  Status = "INTERRUPTED_SECURE"
	StatusStillRunningSecure Status = "STILL_RUNNING_SECURE"
	StatusError              Status = "ERROR"
)

// StepStatus maps a bracket step to its final status
func StepStatus(s StepResult) Status {
	if s.IsSecure() {
		return StatusFinishedSecure
	}
	return StatusFinishedUnsecure
}

// Request asks for a counter-trading computation
type Request struct {
	ID                string    `json:"id"`
	BusinessTimestamp time.Time `json:"business_timestamp"`
	GridModelURI      string    `json:"grid_model_uri"`
	PtEsCracFileURI   string    `json:"pt_es_crac_file_uri"`
	FrEsCracFileURI   string    `json:"fr_es_crac_file_uri"`
	GlskURI           string    `json:"glsk_uri,omitempty"`
}

// Validate checks the mandatory fields
func (r Request) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("request id is required")
	case r.BusinessTimestamp.IsZero():
		return fmt.Errorf("business timestamp is required")
	case r.GridModelURI == "":
		return fmt.Errorf("grid model uri is required")
	case r.PtEsCracFileURI == "" || r.FrEsCracFileURI == "":
		return fmt.Errorf("both crac file uris are required")
	}
	return nil
}

// Response reports the per-border outcome of a task
type Response struct {
	ID            string `json:"id"`
	PtEsStatus    Status `json:"pt_es_status"`
	PtEsResultURL string `json:"pt_es_result_url,omitempty"`
	FrEsStatus    Status `json:"fr_es_status"`
	FrEsResultURL string `json:"fr_es_result_url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// InternalError is an unexpected collaborator failure. It aborts the run.
type InternalError struct {
	Border Border
	Values CounterTradingValues
	Err    error
}

func (e *InternalError) Error() string {
	if e.Border == "" {
		return fmt.Sprintf("internal error at %s: %v", e.Values, e.Err)
	}
	return fmt.Sprintf("internal error on %s border at %s: %v", e.Border, e.Values, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
