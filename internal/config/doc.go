// Package config provides configuration management for personadrift runs.
//
// # Overview
//
// The config package uses Viper to load configuration from a YAML file and
// environment variables. LoadFromPath creates the file with defaults on
// first use, so a fresh checkout can run after exporting an API key.
//
// # Environment Variables
//
// Values can be overridden with the PERSONADRIFT_ prefix. Nested fields are
// separated by underscores.
//
// Examples:
//   - PERSONADRIFT_CONVERSATION_TURNS=10
//   - PERSONADRIFT_MODELS_PERSONA_MODEL=gpt-4o-mini
//   - PERSONADRIFT_LOGGING_LEVEL=debug
//
// API keys are never required in the file: each backend falls back to its
// conventional variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// REPLICATE_API_TOKEN).
//
// # Backend Slots
//
// Completion backends are bound to two slots, "primary" and "secondary".
// Models reference a slot rather than a vendor, so moving the persona model
// from OpenAI to a Replicate-hosted Llama is a one-line change:
//
//	providers:
//	  primary:   {kind: openai}
//	  secondary: {kind: replicate}
//	models:
//	  persona: {model: meta/meta-llama-3-70b-instruct, provider: secondary}
package config
