package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/vm"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool

	now func() time.Time
}

func (f *TableFormatter) since(t time.Time) time.Duration {
	if f.now != nil {
		return f.now().Sub(t)
	}
	return time.Since(t)
}

// FormatInstances formats instances as a table.
func (f *TableFormatter) FormatInstances(instances []vm.InstanceInfo) (string, error) {
	if len(instances) == 0 {
		return "No instances found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tVCPUs\tMEMORY\tIMAGE\tAGE")
	}

	for _, inst := range instances {
		image := inst.Image
		if image == "" {
			image = "-"
		}

		age := "-"
		if created, err := time.Parse(time.RFC3339, inst.Created); err == nil {
			age = formatAge(f.since(created))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d MiB\t%s\t%s\n",
			inst.Name, inst.State, inst.VCPUs, inst.MemoryMiB, image, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatImages prints one image per line in the image query format:
// "release=noble arch=amd64 label=release (20240423)".
func (f *TableFormatter) FormatImages(images []Image) (string, error) {
	var buf bytes.Buffer
	for _, img := range images {
		buf.WriteString(img.Description)
		buf.WriteByte('\n')
	}
	return buf.String(), nil
}

// FormatPools formats storage pools as a table.
func (f *TableFormatter) FormatPools(pools []storage.PoolInfo) (string, error) {
	if len(pools) == 0 {
		return "No pools found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tCAPACITY\tALLOCATION\tAVAILABLE\tPATH")
	}
	for _, p := range pools {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.1f GiB\t%.1f GiB\t%.1f GiB\t%s\n",
			p.Name, p.Type, p.State, p.CapacityGB(), p.AllocationGB(), p.AvailableGB(), p.Path)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	// Clock skew can make creation times lie in the future.
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())

	// Less than 1 minute
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	// Less than 1 hour
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	// Less than 1 day
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	// Less than 1 week
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	// Less than ~2 months (8 weeks)
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	// More than 2 months, show in approximate years/days
	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
