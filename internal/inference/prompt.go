package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/omjvalidator/grader-api/internal/types"
)

const (
	basePromptFile  = "prompt_base.txt"
	abusePromptFile = "prompt_abuse.txt"
)

var scoringPromptFiles = map[types.Stage]string{
	types.StageOne:   "prompt_scoring_etap1.txt",
	types.StageTwo:   "prompt_scoring_etap2.txt",
	types.StageThree: "prompt_scoring_etap3.txt",
}

// PromptLibrary assembles grading instructions from files on disk:
// base role and language instructions, stage specific scoring criteria,
// then abuse detection rules with the required JSON output format.
type PromptLibrary struct {
	dir string

	mu    sync.Mutex
	files map[string]string
}

func NewPromptLibrary(dir string) *PromptLibrary {
	return &PromptLibrary{dir: dir, files: make(map[string]string)}
}

func (p *PromptLibrary) read(name string) (string, error) {
	p.mu.Lock()
	cached, ok := p.files[name]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		return "", fmt.Errorf("reading prompt %s: %w", name, err)
	}
	text := strings.TrimSpace(string(raw))

	p.mu.Lock()
	p.files[name] = text
	p.mu.Unlock()

	return text, nil
}

// Build returns the full grading prompt for a stage. Unknown stages fall
// back to the second stage criteria.
func (p *PromptLibrary) Build(stage types.Stage) (string, error) {
	scoringFile, ok := scoringPromptFiles[stage]
	if !ok {
		scoringFile = scoringPromptFiles[types.StageTwo]
	}

	base, err := p.read(basePromptFile)
	if err != nil {
		return "", err
	}
	scoring, err := p.read(scoringFile)
	if err != nil {
		return "", err
	}
	abuse, err := p.read(abusePromptFile)
	if err != nil {
		return "", err
	}

	return base + "\n\n" + scoring + "\n\n" + abuse, nil
}

// Validate checks all prompt files exist, for startup checks.
func (p *PromptLibrary) Validate() error {
	names := []string{basePromptFile, abusePromptFile}
	for _, name := range scoringPromptFiles {
		names = append(names, name)
	}

	var errs []string
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(p.dir, name)); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("prompt files missing: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Instruction is the narrated request wrapper around the grading prompt.
// Attachment ordering must match the parts appended alongside it: task
// sheet first, official solutions when present, then numbered images.
func Instruction(prompt string, req Request) string {
	var b strings.Builder

	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\n## Zadanie %d\n", req.TaskNumber)
	b.WriteString("Przeanalizuj poniższe pliki.\n\n")

	b.WriteString("### Treść zadania (PDF):\n")
	fmt.Fprintf(&b, "Znajdź 'Zadanie %d.' w dokumencie powyżej.\n\n", req.TaskNumber)

	if req.SolutionPDF != "" {
		b.WriteString("### Oficjalne rozwiązanie (TYLKO do weryfikacji, NIE pokazuj uczniowi):\n\n")
	}

	b.WriteString("### Rozwiązanie ucznia:\n")
	for i := range req.Images {
		fmt.Fprintf(&b, "Zdjęcie %d:\n", i+1)
	}

	b.WriteString("\n\nOceń rozwiązanie i odpowiedz WYŁĄCZNIE w formacie JSON.")

	return b.String()
}
