package domain

import (
	"context"
	"errors"
	"testing"
)

type stubEmbedder struct {
	result EmbeddingResult
	err    error
	got    Input
}

func (s *stubEmbedder) Embed(_ context.Context, in Input) (EmbeddingResult, error) {
	s.got = in
	return s.result, s.err
}

func TestInstructionEmbedder_PrependsToQueries(t *testing.T) {
	inner := &stubEmbedder{result: EmbeddingResult{Embedding: []float32{0.1, 0.2, 0.3}}}
	emb := NewInstructionEmbedder(inner, "Instruct: find images\nQuery: ")

	result, err := emb.Embed(context.Background(), TextInput("red car", true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.got.Text != "Instruct: find images\nQuery: red car" {
		t.Errorf("expected prepended text, got %q", inner.got.Text)
	}
	if len(result.Embedding) != 3 {
		t.Errorf("expected 3-element vector, got %d", len(result.Embedding))
	}
}

func TestInstructionEmbedder_DocumentsUntouched(t *testing.T) {
	inner := &stubEmbedder{}
	emb := NewInstructionEmbedder(inner, "q: ")

	if _, err := emb.Embed(context.Background(), TextInput("a caption", false)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.got.Text != "a caption" {
		t.Errorf("document text must not be prefixed, got %q", inner.got.Text)
	}
}

func TestInstructionEmbedder_ImagesUntouched(t *testing.T) {
	inner := &stubEmbedder{}
	emb := NewInstructionEmbedder(inner, "q: ")

	if _, err := emb.Embed(context.Background(), ImageInput([]byte{1, 2, 3}, true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.got.Text != "" {
		t.Errorf("image query must not get text, got %q", inner.got.Text)
	}
}

func TestInstructionEmbedder_ErrorPropagation(t *testing.T) {
	innerErr := errors.New("provider down")
	emb := NewInstructionEmbedder(&stubEmbedder{err: innerErr}, "q: ")

	_, err := emb.Embed(context.Background(), TextInput("hello", true))
	if !errors.Is(err, innerErr) {
		t.Errorf("expected wrapped inner error, got %v", err)
	}
}

func TestInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		wantErr bool
	}{
		{"text", TextInput("x", true), false},
		{"image", ImageInput([]byte{1}, true), false},
		{"empty", Input{}, true},
		{"both", Input{Text: "x", Image: []byte{1}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestInput_Modality(t *testing.T) {
	if m := TextInput("x", false).Modality(); m != ModalityText {
		t.Errorf("text modality = %q", m)
	}
	if m := ImageInput([]byte{1}, false).Modality(); m != ModalityImage {
		t.Errorf("image modality = %q", m)
	}
}

func TestDimensionMismatchError_Unwrap(t *testing.T) {
	err := NewDimensionMismatch(3, 4)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	var dme *DimensionMismatchError
	if !errors.As(err, &dme) || dme.Got != 3 || dme.Want != 4 {
		t.Errorf("unexpected typed error: %+v", dme)
	}
	if err.Error() != "vector dimension mismatch: got 3, want 4" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestConfigMismatchError_Unwrap(t *testing.T) {
	var err error = &ConfigMismatchError{Index: "text", Field: "dimension", Persisted: "8", Expected: "4"}
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
}
