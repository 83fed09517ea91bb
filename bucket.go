package abx

// Bucket is one arm of an experiment with an allocation percentage. Bucket
// CRUD belongs to the assignment subsystem; the lifecycle core only reads
// bucket sets to validate a Draft experiment before it starts running.
type Bucket struct {
	Label       string  `json:"label"`
	Allocation  float64 `json:"allocation"`
	IsControl   bool    `json:"is_control"`
	Description string  `json:"description,omitempty"`
	Payload     string  `json:"payload,omitempty"`
}

// BucketList groups the buckets of one experiment.
type BucketList struct {
	Buckets []Bucket `json:"buckets"`
}
