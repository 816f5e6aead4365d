package queue

// BagValidationInterface is a *type constraint* that ensures any type Q has
// these methods. We never store Q in a runtime interface,
// we only use BagValidationInterface at compile time to ensure matching signatures.
type BagValidationInterface[T any] interface {
	// Admit stages an element. It fails only for an element whose priority
	// is outside [0,1); a full bucket evicts instead of blocking.
	Admit(T) error

	// Take removes an element, biased toward higher priority.
	// If nothing is available it returns an empty T and false.
	Take() (T, bool)

	// Len returns how many elements can currently be taken.
	Len() int

	// StagingLen returns how many elements wait in the staging stage.
	StagingLen() int
}

// Transferer is implemented by bags whose caller drives the staging to main transfer.
type Transferer interface {
	Transfer() bool
}
