package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestParseTaskType(t *testing.T) {
	tests := []struct {
		in     string
		want   TaskType
		wantOK bool
	}{
		{"code-generation", TaskCodeGeneration, true},
		{"  Complex-Reasoning ", TaskComplexReasoning, true},
		{"general", TaskGeneral, true},
		{"something-else", TaskGeneral, false},
		{"", TaskGeneral, false},
	}
	for _, tt := range tests {
		got, ok := ParseTaskType(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseTaskType(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseComplexity(t *testing.T) {
	tests := []struct {
		in     string
		want   Complexity
		wantOK bool
	}{
		{"simple", ComplexitySimple, true},
		{"EXPERT", ComplexityExpert, true},
		{"medium", ComplexityModerate, false},
		{"", ComplexityModerate, false},
	}
	for _, tt := range tests {
		got, ok := ParseComplexity(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseComplexity(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPriorityFromInt(t *testing.T) {
	tests := []struct {
		in     int
		want   Priority
		wantOK bool
	}{
		{1, PriorityLow, true},
		{2, PriorityMedium, true},
		{3, PriorityHigh, true},
		{4, PriorityCritical, true},
		{0, PriorityMedium, false},
		{7, PriorityMedium, false},
	}
	for _, tt := range tests {
		got, ok := PriorityFromInt(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("PriorityFromInt(%d) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAttachmentKind(t *testing.T) {
	tests := []struct {
		name string
		a    Attachment
		want AttachmentKind
	}{
		{"image by content type", Attachment{Filename: "x.bin", ContentType: "image/png"}, AttachmentImage},
		{"data by content type", Attachment{Filename: "x", ContentType: "application/json"}, AttachmentData},
		{"pdf by content type", Attachment{Filename: "report", ContentType: "application/pdf"}, AttachmentDocument},
		{"code by extension", Attachment{Filename: "main.go"}, AttachmentCode},
		{"image by extension", Attachment{Filename: "photo.JPG"}, AttachmentImage},
		{"spreadsheet", Attachment{Filename: "q3.xlsx"}, AttachmentData},
		{"plain", Attachment{Filename: "notes.txt"}, AttachmentText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCapabilitySetContainsAll(t *testing.T) {
	s := NewCapabilitySet(CapTextGeneration, CapCodeGeneration, CapMultimodal)

	if !s.ContainsAll([]Capability{CapCodeGeneration, CapMultimodal}) {
		t.Error("ContainsAll(subset) = false, want true")
	}
	if s.ContainsAll([]Capability{CapCodeGeneration, CapRAG}) {
		t.Error("ContainsAll(with missing rag) = true, want false")
	}
	if !s.ContainsAll(nil) {
		t.Error("ContainsAll(nil) = false, want true")
	}
}

func TestRequiredCapabilities(t *testing.T) {
	c := Classification{RequiresMultimodal: true, RequiresCodeGeneration: true}
	got := NewCapabilitySet(c.RequiredCapabilities()...)
	if !got.Has(CapMultimodal) || !got.Has(CapCodeGeneration) {
		t.Errorf("RequiredCapabilities() = %v, want multimodal and code-generation", got.List())
	}
	if got.Has(CapRAG) {
		t.Errorf("RequiredCapabilities() includes rag without the flag")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"router error", NewError(ErrSafetyBlock, "blocked"), ErrSafetyBlock},
		{"wrapped router error", fmt.Errorf("outer: %w", NewError(ErrTimeout, "slow")), ErrTimeout},
		{"plain error", errors.New("boom"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrSafetyBlock, http.StatusForbidden},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrRoutingFailure, http.StatusServiceUnavailable},
		{ErrCircuitOpen, http.StatusServiceUnavailable},
		{ErrUpstreamError, http.StatusServiceUnavailable},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestSkipsFallback(t *testing.T) {
	skip := []ErrorCode{ErrInvalidInput, ErrSafetyBlock, ErrRateLimited}
	for _, code := range skip {
		if !SkipsFallback(code) {
			t.Errorf("SkipsFallback(%v) = false, want true", code)
		}
	}
	retry := []ErrorCode{ErrCircuitOpen, ErrUpstreamError, ErrTimeout, ErrInternal}
	for _, code := range retry {
		if SkipsFallback(code) {
			t.Errorf("SkipsFallback(%v) = true, want false", code)
		}
	}
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := NewError(ErrUpstreamError, "failed")
	derived := base.WithDetail("attempts", 3).WithRequestID("req-1")

	if base.Details != nil {
		t.Errorf("base.Details = %v, want nil after WithDetail on copy", base.Details)
	}
	if base.RequestID != "" {
		t.Errorf("base.RequestID = %q, want empty", base.RequestID)
	}
	if derived.Details["attempts"] != 3 {
		t.Errorf("derived.Details[attempts] = %v, want 3", derived.Details["attempts"])
	}
	if derived.RequestID != "req-1" {
		t.Errorf("derived.RequestID = %q, want req-1", derived.RequestID)
	}
}

func TestRouterErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := WrapError(ErrUpstreamError, "generate failed", inner)
	if !errors.Is(err, inner) {
		t.Error("errors.Is(wrapped, inner) = false, want true")
	}
}
