package permission

// Less is the single total order shared by the scheduler queue and its
// tests: strictly higher priority first, then FIFO by enqueue sequence
// within a tier. The sequence is unique per queue, so the order is
// strict (never reports two distinct tasks as equal).
func Less(a, b *CheckTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}
