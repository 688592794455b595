// Package openaicompat streams Chat Completions from OpenAI and from every
// upstream that speaks the same dialect: Vercel v0, AI-Gateway style
// proxies and Gemini's OpenAI compatible endpoint.
//
// Request bodies are built with the openai-go parameter types. Responses are
// read with the sse tokenizer and each frame is validated structurally
// (object == "chat.completion.chunk", choices is an array) before any field
// is read; frames that fail validation are reported as keep-alives.
//
// The chunk decoding is exported so that dialects with a different delta
// shape, such as xAI, can reuse the request and validation halves.
package openaicompat
