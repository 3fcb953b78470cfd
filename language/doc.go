// Package language holds the catalogue of executable languages.
//
// A Registry is built once at startup, usually from configuration, and is
// read-only afterwards so it can be shared by the API and every worker
// without locking. Each Spec names the sandbox image, the source file
// extension, the command that compiles and runs the staged file, and the
// heuristics used to recognise fork bombs in the program output.
package language
