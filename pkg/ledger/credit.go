package ledger

// Credit derives the balancing entry for a row that has been attributed to a
// topic: the same usage with negated cost, booked against the shared topic
// so the per-topic rows and the shared pool always sum to the true spend.
// The derived row carries "-credit" suffixed identifiers so it never
// collides with the row it balances. Usage amounts are left as-is, the
// credit describes the same work.
func Credit(r Row, topic string, project *Project) Row {
	c := r
	c.Topic = topic
	c.Project = project
	c.Cost = r.Cost.Neg()
	c.Service = Service{
		ID:          r.Service.ID,
		Description: r.Service.Description + " Credit",
	}
	c.SKU = SKU{
		ID:          r.SKU.ID + "-credit",
		Description: r.SKU.Description + "-credit",
	}
	c.ID = r.ID + "-credit"
	return c
}
