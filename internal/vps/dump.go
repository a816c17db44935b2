package vps

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/vmcs"
)

const (
	sgrBold    = "\x1b[1m"
	sgrFaint   = "\x1b[2m"
	sgrReverse = "\x1b[7m"
	sgrReset   = "\x1b[0m"
)

type dumpOptions struct {
	color bool
}

type DumpOption func(*dumpOptions)

// WithColor enables ANSI styling.
func WithColor(enabled bool) DumpOption {
	return func(o *dumpOptions) { o.color = enabled }
}

type dumper struct {
	w     io.Writer
	color bool
}

func (d *dumper) style(sgr, s string) string {
	if !d.color {
		return s
	}
	return sgr + s + sgrReset
}

// pad right aligns s to width display cells.
func pad(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func (d *dumper) heading(s string) {
	fmt.Fprintf(d.w, "%s\n", d.style(sgrBold, s))
}

func (d *dumper) row(cells []string, widths []int) {
	var b strings.Builder
	b.WriteString("  ")
	for i, cell := range cells {
		if i > 0 {
			b.WriteString(" ")
		}
		if i < len(widths) && i < len(cells)-1 {
			cell = pad(cell, widths[i])
		}
		b.WriteString(cell)
	}
	fmt.Fprintln(d.w, b.String())
}

func hex(v uint64) string { return fmt.Sprintf("%#018x", v) }

func id16(v uint16) string {
	if v == Unassigned {
		return "unassigned"
	}
	return fmt.Sprintf("%d", v)
}

// Dump writes a human readable view of the VPS. Fields that cannot be read
// are shown as unsupported. Dump never fails; write errors are dropped.
func (v *VPS) Dump(c *Core, w io.Writer, opts ...DumpOption) {
	var o dumpOptions
	for _, opt := range opts {
		opt(&o)
	}
	d := &dumper{w: w, color: o.color}

	state := "uninitialized"
	switch {
	case v.IsAllocated():
		state = "allocated"
	case v.id != InvalidID:
		state = "initialized"
	}
	d.heading(fmt.Sprintf("vps %d (%s)", v.id, state))

	infoWidths := []int{12}
	d.row([]string{"vp", id16(v.assignedVP)}, infoWidths)
	d.row([]string{"pp", id16(v.assignedPP)}, infoWidths)
	d.row([]string{"vmcs", hex(v.phys)}, infoWidths)
	d.row([]string{"core", fmt.Sprintf("%d", c.ID)}, infoWidths)
	d.row([]string{"loaded", fmt.Sprintf("%t", c.LoadedVPS == v.id && v.id != InvalidID)}, infoWidths)
	d.row([]string{"launched", fmt.Sprintf("%t", v.shadow.launched)}, infoWidths)

	bank := "inactive"
	if v.IsActive(c) {
		bank = "active"
	}
	d.heading(fmt.Sprintf("general purpose registers (%s)", bank))
	g := v.bank(c)
	for _, r := range hv.Registers() {
		if !r.IsGeneralPurpose() {
			continue
		}
		d.row([]string{r.String(), hex(*g.Ref(r))}, []int{6})
	}

	d.heading("missing registers")
	for _, r := range []hv.Register{
		hv.RegisterAMD64Cr2,
		hv.RegisterAMD64Dr6,
		hv.RegisterAMD64Star,
		hv.RegisterAMD64Lstar,
		hv.RegisterAMD64Cstar,
		hv.RegisterAMD64Fmask,
		hv.RegisterAMD64KernelGsBase,
	} {
		d.row([]string{r.String(), hex(*v.shadowRef(r))}, []int{16})
	}

	if !v.IsAllocated() {
		return
	}

	d.heading("vmcs")
	fields := vmcs.Fields()
	nameWidth := 0
	for _, f := range fields {
		if n := ansi.StringWidth(vmcs.MustLookup(f).Name); n > nameWidth {
			nameWidth = n
		}
	}
	widths := []int{nameWidth, 6, 6}
	for _, f := range fields {
		info := vmcs.MustLookup(f)
		cells := []string{
			info.Name,
			fmt.Sprintf("%#04x", info.Encoding),
			info.Width.String(),
		}
		val, err := v.Read(c, f, info.Width)
		if err != nil {
			cells[0] = d.style(sgrFaint, cells[0])
			cells = append(cells, d.style(sgrReverse, pad("unsupported", 18)))
		} else {
			cells = append(cells, hex(val))
		}
		d.row(cells, widths)
	}
}
