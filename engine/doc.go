// Package engine implements the conversation routing core: it takes one
// inbound user action, resolves its intent, selects or continues a story
// inside the conversation's dialog, advances the story step, and applies
// the bot-wide enable/disable policy before executing the story handler.
//
// The engine is stateless apart from the read-only BotDefinitionIndex.
// Per-conversation state (Dialog, UserTimeline, EntityMemory) is owned by
// the worker processing the current turn; the caller must serialize turns
// per conversation (see the dispatch package).
package engine
