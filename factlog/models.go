package factlog

import "time"

// Kind identifies the kind of transition a fact records.
type Kind string

const (
	KindCreated              Kind = "CREATED"
	KindOwnershipTransferred Kind = "OWNERSHIP_TRANSFERRED"
	KindStatusUpdated        Kind = "STATUS_UPDATED"
	KindVerified             Kind = "VERIFIED"
	KindRoleGranted          Kind = "ROLE_GRANTED"
)

// Fact is one immutable entry of the append-only transition log. Facts are
// totally ordered by (Seq, SubSeq, ID) within a product; ID alone gives the
// global commit order. Registry facts carry a nil ProductID.
type Fact struct {
	ID        int64
	ProductID *int64
	Seq       int64
	SubSeq    int
	Kind      Kind
	Actor     string
	Payload   []byte
	CreatedAt time.Time
}

// AppendParams enumerates what a writer supplies; ID and CreatedAt are
// assigned by the log itself.
type AppendParams struct {
	ProductID *int64
	Seq       int64
	SubSeq    int
	Kind      Kind
	Actor     string
	Payload   map[string]any
}
