package cards

import (
	"context"
	"errors"
	"strings"

	"memloop/internal/connector"
	"memloop/internal/llm"
)

// SourceNote is the input handed to a card generator.
type SourceNote struct {
	VaultID string
	RelPath string
	Content []byte
}

// Generation is a generator's successful outcome. Skipped means the note was
// too short or otherwise unsuitable; it still counts as handled.
type Generation struct {
	Skipped bool
	Cards   []Card
}

// Generator produces cards for one note. Errors are classified through
// connector.Retriable: retriable failures leave the note unmarked for a
// later attempt, permanent ones mark it to stop the retry loop.
type Generator interface {
	Generate(ctx context.Context, note SourceNote) (Generation, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, note SourceNote) (Generation, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, note SourceNote) (Generation, error) {
	return f(ctx, note)
}

// minNoteBytes is the threshold below which a note is skipped without an LLM
// call.
const minNoteBytes = 200

// skipMarker is the gateway's whole-output signal for an unsuitable note.
const skipMarker = "SKIP"

// GatewayGenerator asks an LLM gateway for question/answer pairs. The
// expected reply is blocks of "Q: ..." / "A: ..." line pairs, or SKIP.
type GatewayGenerator struct {
	gateway llm.Gateway
}

// NewGatewayGenerator wraps a gateway. Panics on nil.
func NewGatewayGenerator(gateway llm.Gateway) *GatewayGenerator {
	if gateway == nil {
		panic("cards.NewGatewayGenerator: nil gateway")
	}

	return &GatewayGenerator{gateway: gateway}
}

// Generate implements Generator.
func (g *GatewayGenerator) Generate(ctx context.Context, note SourceNote) (Generation, error) {
	if len(note.Content) < minNoteBytes {
		return Generation{Skipped: true}, nil
	}

	result, err := g.gateway.Execute(ctx, llm.Task{Prompt: cardPrompt(note)})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) || connector.Retriable(err) {
			return Generation{}, connector.NewRetriable("card generation", err)
		}

		return Generation{}, connector.NewPermanent("card generation", err)
	}

	output := strings.TrimSpace(result.Output)
	if output == skipMarker {
		return Generation{Skipped: true}, nil
	}

	generated := parseCards(output)
	if len(generated) == 0 {
		return Generation{}, connector.NewPermanent("card generation: unparseable reply", nil)
	}

	return Generation{Cards: generated}, nil
}

func cardPrompt(note SourceNote) string {
	var b strings.Builder

	b.WriteString("Generate spaced-repetition flashcards from the note below. ")
	b.WriteString("Reply with pairs of lines 'Q: <question>' and 'A: <answer>', ")
	b.WriteString("one blank line between pairs. Reply SKIP if the note is too ")
	b.WriteString("short or holds no reviewable knowledge.\n\n")
	b.WriteString("Note " + note.RelPath + ":\n\n")
	b.Write(note.Content)

	return b.String()
}

// parseCards reads Q:/A: line pairs. A question without a following answer is
// dropped.
func parseCards(output string) []Card {
	var (
		generated []Card
		question  string
	)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "Q:"):
			question = strings.TrimSpace(strings.TrimPrefix(line, "Q:"))

		case strings.HasPrefix(line, "A:") && question != "":
			generated = append(generated, Card{
				Question: question,
				Answer:   strings.TrimSpace(strings.TrimPrefix(line, "A:")),
			})
			question = ""
		}
	}

	return generated
}
