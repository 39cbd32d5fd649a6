package vmm

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Stats counts the work the manager has done since it was created
type Stats struct {
	TablesAllocated int
	TablesCloned    int
	Maps            int
	Unmaps          int
	Invalidations   int
	Faults          int
	FaultsResolved  int
	// CopiedPages and ReclaimedPages count copy-on-write faults that were resolved by copying the
	// frame and by taking over the last reference, respectively
	CopiedPages    int
	ReclaimedPages int
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.stats
}

// WriteJSON writes the counters and the current paging state into a json object
func (m *Manager) WriteJSON(json jwriter.ObjectState) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	json.Name("KernelDirectory").Int(int(m.kernel))
	json.Name("CurrentDirectory").Int(int(m.current))

	stats := json.Name("Stats").Object()
	stats.Name("TablesAllocated").Int(m.stats.TablesAllocated)
	stats.Name("TablesCloned").Int(m.stats.TablesCloned)
	stats.Name("Maps").Int(m.stats.Maps)
	stats.Name("Unmaps").Int(m.stats.Unmaps)
	stats.Name("Invalidations").Int(m.stats.Invalidations)
	stats.Name("Faults").Int(m.stats.Faults)
	stats.Name("FaultsResolved").Int(m.stats.FaultsResolved)
	stats.Name("CopiedPages").Int(m.stats.CopiedPages)
	stats.Name("ReclaimedPages").Int(m.stats.ReclaimedPages)
	stats.End()

	if m.lastFault != nil {
		fault := json.Name("LastFault").Object()
		fault.Name("Address").Int(int(m.lastFault.Address))
		fault.Name("IP").Int(int(m.lastFault.IP))
		fault.Name("Cause").String(m.lastFault.Cause.String())
		fault.End()
	}
}
