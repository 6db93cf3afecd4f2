// Package llm abstracts the generative model used as an alternative intent
// parser. Providers (OpenAI-compatible HTTP, local Python bridge) only turn a
// prompt into text; the intent contract lives in package intent.
package llm
