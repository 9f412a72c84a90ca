package command

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestDecodeParams(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		raw     string
		want    Params
		wantErr error
	}{
		{name: "feed", kind: KindFeed, raw: `{"amount":150}`, want: FeedParams{Amount: 150}},
		{name: "feed zero", kind: KindFeed, raw: `{"amount":0}`, wantErr: ErrInvalidParams},
		{name: "feed missing", kind: KindFeed, raw: ``, wantErr: ErrInvalidParams},
		{name: "feed too much", kind: KindFeed, raw: `{"amount":1500}`, wantErr: ErrInvalidParams},
		{name: "feed unknown field", kind: KindFeed, raw: `{"amount":10,"grams":10}`, wantErr: ErrInvalidParams},
		{name: "drain", kind: KindWaterDrain, raw: `{"drain_level":20}`, want: DrainParams{DrainLevel: 20}},
		{name: "drain out of range", kind: KindWaterDrain, raw: `{"drain_level":-1}`, wantErr: ErrInvalidParams},
		{name: "fill", kind: KindWaterFill, raw: `{"target_level":100}`, want: FillParams{TargetLevel: 100}},
		{name: "fill over 100", kind: KindWaterFill, raw: `{"target_level":100.5}`, wantErr: ErrInvalidParams},
		{name: "flush", kind: KindWaterFlush, raw: `{"drain_level":20,"fill_level":80}`, want: FlushParams{DrainLevel: 20, FillLevel: 80}},
		{name: "flush inverted", kind: KindWaterFlush, raw: `{"drain_level":80,"fill_level":20}`, wantErr: ErrInvalidParams},
		{name: "flush equal", kind: KindWaterFlush, raw: `{"drain_level":50,"fill_level":50}`, wantErr: ErrInvalidParams},
		{name: "valve empty", kind: KindWaterInletOpen, raw: `{}`, want: ValveParams{}},
		{name: "valve null", kind: KindWaterOutletClose, raw: `null`, want: ValveParams{}},
		{name: "valve with params", kind: KindWaterInletClose, raw: `{"level":3}`, wantErr: ErrInvalidParams},
		{name: "firmware", kind: KindFirmwareUpdate, raw: `{"firmware_url":"https://fw.example.com/v2.bin","version":"2.0"}`,
			want: FirmwareParams{URL: "https://fw.example.com/v2.bin", Version: "2.0"}},
		{name: "firmware no url", kind: KindFirmwareUpdate, raw: `{}`, wantErr: ErrInvalidParams},
		{name: "firmware bad scheme", kind: KindFirmwareUpdate, raw: `{"firmware_url":"ftp://x/y"}`, wantErr: ErrInvalidParams},
		{name: "reboot", kind: KindReboot, raw: ``, want: RebootParams{}},
		{name: "reboot negative delay", kind: KindReboot, raw: `{"delay_seconds":-5}`, wantErr: ErrInvalidParams},
		{name: "threshold", kind: KindThresholdUpdate, raw: `{"parameter":"ph","upper_threshold":8.5,"lower_threshold":6.5}`,
			want: ThresholdParams{Parameter: "ph", Upper: 8.5, Lower: 6.5}},
		{name: "threshold inverted", kind: KindThresholdUpdate, raw: `{"parameter":"ph","upper_threshold":6,"lower_threshold":8}`, wantErr: ErrInvalidParams},
		{name: "threshold no parameter", kind: KindThresholdUpdate, raw: `{"upper_threshold":8,"lower_threshold":6}`, wantErr: ErrInvalidParams},
		{name: "unknown kind", kind: Kind("DANCE"), raw: `{}`, wantErr: ErrUnknownKind},
		{name: "malformed", kind: KindFeed, raw: `{"amount":`, wantErr: ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeParams(tt.kind, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeParams() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeParams() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeParams() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestValidateRejectsNaN(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name   string
		params Params
	}{
		{"feed amount", FeedParams{Amount: nan}},
		{"drain level", DrainParams{DrainLevel: nan}},
		{"fill level", FillParams{TargetLevel: nan}},
		{"flush drain level", FlushParams{DrainLevel: nan, FillLevel: 80}},
		{"flush fill level", FlushParams{DrainLevel: 20, FillLevel: nan}},
		{"threshold lower", ThresholdParams{Parameter: "ph", Lower: nan, Upper: 8}},
		{"threshold upper", ThresholdParams{Parameter: "ph", Lower: 6, Upper: nan}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() error = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestCheckParams(t *testing.T) {
	if err := CheckParams(KindFeed, FeedParams{Amount: 5}); err != nil {
		t.Errorf("matching type: %v", err)
	}
	if err := CheckParams(KindFeed, FillParams{TargetLevel: 5}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("mismatched type: %v, want ErrInvalidParams", err)
	}
	if err := CheckParams(KindWaterInletOpen, nil); err != nil {
		t.Errorf("nil valve params: %v", err)
	}
	if err := CheckParams(KindFeed, nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("nil feed params: %v, want ErrInvalidParams", err)
	}
}

func TestFlushSteps(t *testing.T) {
	p := FlushParams{DrainLevel: 20, FillLevel: 80}
	if p.Drain().DrainLevel != 20 || p.Fill().TargetLevel != 80 {
		t.Errorf("steps = %+v / %+v", p.Drain(), p.Fill())
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		if got, err := ParseKind(string(k)); err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseKind("feed"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("lowercase kind accepted: %v", err)
	}
	if !KindWaterFlush.IsWater() || KindFeed.IsWater() {
		t.Error("IsWater misclassifies kinds")
	}
}
