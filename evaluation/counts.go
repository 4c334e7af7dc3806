package evaluation

// ClassCounts are the matching totals of one class.
type ClassCounts struct {
	TP int64 `json:"tp"`
	FP int64 `json:"fp"`
	FN int64 `json:"fn"`
	// GT is the number of ground truth instances (windows, boxes or pixels).
	GT int64 `json:"gt_count"`
	// IoUSum and Matches give the mean IoU of matched detections.
	IoUSum  float64 `json:"-"`
	Matches int64   `json:"-"`
}

func (c *ClassCounts) add(o ClassCounts) {
	c.TP += o.TP
	c.FP += o.FP
	c.FN += o.FN
	c.GT += o.GT
	c.IoUSum += o.IoUSum
	c.Matches += o.Matches
}

// Counts holds ClassCounts indexed by class id.
type Counts []ClassCounts

func NewCounts(numClasses int) Counts {
	return make(Counts, numClasses)
}

// Merge adds o into c; both must have the same length.
func (c Counts) Merge(o Counts) {
	for i := range c {
		c[i].add(o[i])
	}
}

func (c Counts) total() (t ClassCounts) {
	for _, cc := range c {
		t.add(cc)
	}
	return
}
