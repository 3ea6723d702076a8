// Package judge is the outbound gateway to the external execution engine.
// It translates attempts into engine submissions, queries submission status
// by correlation token, and classifies transport failures so the dispatcher
// can decide what an error means for the attempt.
package judge
