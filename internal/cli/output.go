package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

// printer writes either indented JSON or a text rendering.
type printer struct {
	format string
	w      io.Writer
}

func (o *RootOptions) printer(w io.Writer) *printer {
	return &printer{format: o.Format, w: w}
}

// emit writes v as JSON, or calls text for the text format.
func (p *printer) emit(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

func writeStatusTable(w io.Writer, recs []models.StatusRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPROGRESS\tATTEMPTS\tDETAIL")
	for _, r := range recs {
		progress := "-"
		if r.Progress != nil {
			progress = fmt.Sprintf("%d%%", *r.Progress)
		}
		detail := r.ErrorReason
		if r.Result != nil {
			detail = r.Result.ArtifactRef
			if r.Result.Cached {
				detail += " (cached)"
			}
		}
		if r.AvailableAt != nil {
			detail = strings.TrimSpace(detail + " retry at " + r.AvailableAt.Local().Format("15:04:05"))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.State, progress, r.AttemptsMade, r.AttemptsAllowed, detail)
	}
	_ = tw.Flush()
}

func summarize(recs []models.StatusRecord) string {
	counts := make(map[models.State]int)
	for _, r := range recs {
		counts[r.State]++
	}
	return fmt.Sprintf("queued=%d active=%d completed=%d failed=%d unknown=%d",
		counts[models.StateQueued], counts[models.StateActive], counts[models.StateCompleted],
		counts[models.StateFailed], counts[models.StateUnknown])
}

// readInput reads a file, or stdin for "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
