package main

import(
	"fmt"

	"github.com/fatih/color"

	"github.com/abworrall/ccd-reduce/pkg/reduce"
)

// termMonitor paints one line per frame so you can watch a run
// without tailing the log. It implements reduce.Monitor; the engine
// itself knows nothing about terminals.
type termMonitor struct {
	okCol, badCol, lostCol, satCol *color.Color
}

func newTermMonitor() *termMonitor {
	return &termMonitor{
		okCol:   color.New(color.FgGreen),
		badCol:  color.New(color.FgYellow),
		lostCol: color.New(color.FgRed),
		satCol:  color.New(color.FgHiMagenta),
	}
}

func (tm *termMonitor)OnRow(row reduce.Row) {
	valid := tm.okCol.Sprint("ok")
	if !row.Valid {
		valid = tm.badCol.Sprint("FROZEN")
	}
	fmt.Printf("frame %6d [%s]", row.Seq, valid)

	for _, m := range row.Aps {
		var status string
		switch {
		case m.Status == reduce.Lost:
			status = tm.lostCol.Sprint("LOST")
		case m.Saturated:
			status = tm.satCol.Sprint("SAT")
		case m.Status == reduce.OK:
			status = tm.okCol.Sprint("ok")
		default:
			status = tm.badCol.Sprint(m.Status.String())
		}
		fmt.Printf("  %s:%s %s f=%.0f", m.CCD, m.Label, status, m.Flux)
	}
	fmt.Printf("\n")
}
