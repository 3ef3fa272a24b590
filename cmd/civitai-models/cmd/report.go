package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-models/internal/acquisition"
	"go-civitai-models/internal/api"
	"go-civitai-models/internal/helpers"
	"go-civitai-models/internal/models"
)

type updateFailure struct {
	Path string
	Err  error
}

// updateResults collects one `update check` run.
type updateResults struct {
	Outdated []acquisition.UpdateInfo
	Current  []acquisition.UpdateInfo
	Failures []updateFailure
}

func (r updateResults) total() int {
	return len(r.Outdated) + len(r.Current) + len(r.Failures)
}

func modelPageURL(modelID, versionID int) string {
	u := fmt.Sprintf("%s/models/%d", api.CivitaiSiteUrl, modelID)
	if versionID > 0 {
		u += fmt.Sprintf("?modelVersionId=%d", versionID)
	}
	return u
}

// publishedDate shortens a catalog timestamp to its date.
func publishedDate(ts string) string {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.Format(time.DateOnly)
	}
	date, _, _ := strings.Cut(ts, "T")
	return date
}

func versionLabel(v models.ModelVersion) string {
	if v.Name == "" {
		return fmt.Sprintf("version %d", v.ID)
	}
	return fmt.Sprintf("%s (%d)", v.Name, v.ID)
}

// writeUpdateReport renders r as a Markdown document. Up-to-date models
// are listed only with includeCurrent.
func writeUpdateReport(w io.Writer, r updateResults, includeCurrent bool, generated time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Model Update Report\n\nGenerated %s\n\n", generated.Format(time.DateTime))

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "| Checked | Updates available | Up to date | Errors |\n")
	fmt.Fprintf(&b, "|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d |\n\n", r.total(), len(r.Outdated), len(r.Current), len(r.Failures))

	if len(r.Outdated) > 0 {
		b.WriteString("## Updates available\n\n")
		for _, u := range r.Outdated {
			writeReportModel(&b, u)
		}
	}

	if includeCurrent && len(r.Current) > 0 {
		b.WriteString("## Up to date\n\n")
		for _, u := range r.Current {
			fmt.Fprintf(&b, "- [%s](%s) %s, `%s`\n",
				u.Model.Name, modelPageURL(u.Model.ID, u.CurrentVersionID), versionLabel(u.Current), filepath.Base(u.Path))
		}
		b.WriteString("\n")
	}

	if len(r.Failures) > 0 {
		b.WriteString("## Errors\n\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "- `%s`: %v\n", filepath.Base(f.Path), f.Err)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeReportModel(b *strings.Builder, u acquisition.UpdateInfo) {
	fmt.Fprintf(b, "### [%s](%s)\n\n", u.Model.Name, modelPageURL(u.Model.ID, 0))
	latest, _ := u.Latest()
	if preview, ok := acquisition.PreviewURL(latest); ok {
		fmt.Fprintf(b, "![%s](%s)\n\n", latest.Name, preview)
	}

	fmt.Fprintf(b, "- File: `%s`\n", filepath.Base(u.Path))
	fmt.Fprintf(b, "- Type: %s\n", u.Model.Type)
	fmt.Fprintf(b, "- Current: %s\n", versionLabel(u.Current))
	fmt.Fprintf(b, "- Latest: [%s](%s)", versionLabel(latest), modelPageURL(u.Model.ID, latest.ID))
	if d := publishedDate(latest.PublishedAt); d != "" {
		fmt.Fprintf(b, ", published %s", d)
	}
	b.WriteString("\n")
	if latest.BaseModel != "" {
		fmt.Fprintf(b, "- Base model: %s\n", latest.BaseModel)
	}
	for _, f := range latest.Files {
		if !f.Primary {
			continue
		}
		fmt.Fprintf(b, "- Primary file: `%s` (%s", f.Name, helpers.BytesToSize(int64(f.SizeKB*1024)))
		if f.Metadata.Format != "" {
			fmt.Fprintf(b, ", %s", f.Metadata.Format)
		}
		b.WriteString(")\n")
	}
	if u.Model.Stats.DownloadCount > 0 {
		fmt.Fprintf(b, "- Downloads: %d\n", u.Model.Stats.DownloadCount)
	}
	if len(u.Newer) > 1 {
		names := make([]string, 0, len(u.Newer))
		for _, v := range u.Newer {
			names = append(names, versionLabel(v))
		}
		fmt.Fprintf(b, "- Newer versions: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\n")
}
