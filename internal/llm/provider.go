package llm

import "context"

// Generator is the interface generation backends implement.
type Generator interface {
	// Chat starts a streamed completion of prompt. The caller must Close the
	// returned stream.
	Chat(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Stream, error)
	// Name returns the backend identifier (e.g. "ollama").
	Name() string
}

// ModelCatalog lists and checks models installed on a backend.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) (bool, error)
}
