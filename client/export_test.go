package client

// Seams for the external test package.
var (
	Classify           = classify
	VerifyStatusSignal = verifyStatusSignal
)
