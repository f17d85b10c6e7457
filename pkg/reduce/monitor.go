package reduce

// A Monitor receives each frame's Row as it is produced - positions,
// fluxes, validity - so an external display can follow the run live.
// Rows are immutable snapshots; a Monitor must not block for long,
// and must never mutate what it is given. The engine carries no
// rendering dependency of any kind.
type Monitor interface {
	OnRow(Row)
}

// MonitorFunc adapts a plain function into a Monitor.
type MonitorFunc func(Row)

func (mf MonitorFunc)OnRow(row Row) { mf(row) }
