package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

// MaxFeedAmount is the largest single feed the dispenser accepts, in grams.
const MaxFeedAmount = 1000.0

// Params is the typed parameter set of one command kind. Each kind has
// exactly one concrete type; see ParamsFor.
type Params interface {
	Validate() error
}

// FeedParams dispenses Amount grams of feed.
type FeedParams struct {
	Amount float64 `json:"amount"`
}

// Validate implements Params.
func (p FeedParams) Validate() error {
	if !(p.Amount > 0 && p.Amount <= MaxFeedAmount) {
		return fmt.Errorf("%w: amount must be in (0, %g] grams, got %g", ErrInvalidParams, MaxFeedAmount, p.Amount)
	}
	return nil
}

// DrainParams drains the pond down to DrainLevel percent.
type DrainParams struct {
	DrainLevel float64 `json:"drain_level"`
}

// Validate implements Params.
func (p DrainParams) Validate() error {
	return checkLevel("drain_level", p.DrainLevel)
}

// FillParams fills the pond up to TargetLevel percent.
type FillParams struct {
	TargetLevel float64 `json:"target_level"`
}

// Validate implements Params.
func (p FillParams) Validate() error {
	return checkLevel("target_level", p.TargetLevel)
}

// FlushParams drains to DrainLevel then refills to FillLevel.
type FlushParams struct {
	DrainLevel float64 `json:"drain_level"`
	FillLevel  float64 `json:"fill_level"`
}

// Validate implements Params.
func (p FlushParams) Validate() error {
	if err := checkLevel("drain_level", p.DrainLevel); err != nil {
		return err
	}
	if err := checkLevel("fill_level", p.FillLevel); err != nil {
		return err
	}
	if p.DrainLevel >= p.FillLevel {
		return fmt.Errorf("%w: drain_level %g must be below fill_level %g", ErrInvalidParams, p.DrainLevel, p.FillLevel)
	}
	return nil
}

// Drain returns the first step of the flush.
func (p FlushParams) Drain() DrainParams { return DrainParams{DrainLevel: p.DrainLevel} }

// Fill returns the second step of the flush.
func (p FlushParams) Fill() FillParams { return FillParams{TargetLevel: p.FillLevel} }

// ValveParams is the empty parameter set of the inlet/outlet valve kinds.
type ValveParams struct{}

// Validate implements Params.
func (ValveParams) Validate() error { return nil }

// FirmwareParams points the device at a firmware image.
type FirmwareParams struct {
	URL      string `json:"firmware_url"`
	Version  string `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Validate implements Params.
func (p FirmwareParams) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("%w: firmware_url is required", ErrInvalidParams)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: firmware_url must be an http(s) URL", ErrInvalidParams)
	}
	return nil
}

// RebootParams optionally delays the reboot.
type RebootParams struct {
	DelaySeconds int `json:"delay_seconds,omitempty"`
}

// Validate implements Params.
func (p RebootParams) Validate() error {
	if p.DelaySeconds < 0 {
		return fmt.Errorf("%w: delay_seconds must not be negative", ErrInvalidParams)
	}
	return nil
}

// ThresholdParams pushes a threshold to the device's local evaluator.
type ThresholdParams struct {
	Parameter string  `json:"parameter"`
	Upper     float64 `json:"upper_threshold"`
	Lower     float64 `json:"lower_threshold"`
}

// Validate implements Params.
func (p ThresholdParams) Validate() error {
	if strings.TrimSpace(p.Parameter) == "" {
		return fmt.Errorf("%w: parameter is required", ErrInvalidParams)
	}
	if !(p.Lower < p.Upper) {
		return fmt.Errorf("%w: lower_threshold %g must be below upper_threshold %g", ErrInvalidParams, p.Lower, p.Upper)
	}
	return nil
}

func checkLevel(name string, v float64) error {
	if !(v >= 0 && v <= 100) {
		return fmt.Errorf("%w: %s must be in [0, 100], got %g", ErrInvalidParams, name, v)
	}
	return nil
}

// ParamsFor returns the zero parameter value for kind.
func ParamsFor(kind Kind) (Params, error) {
	switch kind {
	case KindFeed:
		return FeedParams{}, nil
	case KindWaterDrain:
		return DrainParams{}, nil
	case KindWaterFill:
		return FillParams{}, nil
	case KindWaterFlush:
		return FlushParams{}, nil
	case KindWaterInletOpen, KindWaterInletClose, KindWaterOutletOpen, KindWaterOutletClose:
		return ValveParams{}, nil
	case KindFirmwareUpdate:
		return FirmwareParams{}, nil
	case KindReboot:
		return RebootParams{}, nil
	case KindThresholdUpdate:
		return ThresholdParams{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// DecodeParams decodes raw into kind's parameter type and validates it.
// Unknown fields are rejected, so valve kinds accept only an empty object.
func DecodeParams(kind Kind, raw json.RawMessage) (Params, error) {
	p, err := decodeParams(kind, raw, true)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckParams verifies that p is the right type for kind and is valid.
func CheckParams(kind Kind, p Params) error {
	want, err := ParamsFor(kind)
	if err != nil {
		return err
	}
	if p == nil {
		p = want
	}
	if reflect.TypeOf(p) != reflect.TypeOf(want) {
		return fmt.Errorf("%w: %T is not valid for %s", ErrInvalidParams, p, kind)
	}
	return p.Validate()
}

// decodeParams is the storage-side decoder; stored rows skip strict checks.
func decodeParams(kind Kind, raw json.RawMessage, strict bool) (Params, error) {
	switch kind {
	case KindFeed:
		return decodeInto[FeedParams](raw, strict)
	case KindWaterDrain:
		return decodeInto[DrainParams](raw, strict)
	case KindWaterFill:
		return decodeInto[FillParams](raw, strict)
	case KindWaterFlush:
		return decodeInto[FlushParams](raw, strict)
	case KindWaterInletOpen, KindWaterInletClose, KindWaterOutletOpen, KindWaterOutletClose:
		return decodeInto[ValveParams](raw, strict)
	case KindFirmwareUpdate:
		return decodeInto[FirmwareParams](raw, strict)
	case KindReboot:
		return decodeInto[RebootParams](raw, strict)
	case KindThresholdUpdate:
		return decodeInto[ThresholdParams](raw, strict)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeInto[T Params](raw json.RawMessage, strict bool) (Params, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return v, nil
}

// encodeParams renders p for storage and the wire; nil becomes {}.
func encodeParams(p Params) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}
	return b, nil
}

// EncodeParams renders p the way commands store and send it.
func EncodeParams(p Params) (json.RawMessage, error) {
	return encodeParams(p)
}

// LoadParams decodes parameters written by EncodeParams. Unlike
// DecodeParams it neither rejects unknown fields nor validates.
func LoadParams(kind Kind, raw json.RawMessage) (Params, error) {
	return decodeParams(kind, raw, false)
}
