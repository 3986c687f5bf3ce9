// Package dk61 implements a Discord bot whose centerpiece is a
// starboard: messages that collect enough reactions with a configured
// trigger emoji are mirrored to a per-guild "board" channel, and the
// mirrored post is kept in sync (count, color tier) as reactions come
// and go.
//
// Key components of the package include:
//
//   - Bot: The main struct tying together config, storage, the Discord
//     session and the event handlers.
//   - Starboard: The reaction-driven promotion engine and its embed
//     renderer.
//   - GuildSettings / StarredMessage: Per-guild configuration and the
//     ledger mapping promoted messages to their board posts.
//   - Quote: A context-menu/prefix-triggered command that renders a
//     message as a PNG "quote card".
//   - Stats: Interaction usage records and aggregation queries.
//   - API: A small optional admin HTTP server (health, stats,
//     maintenance toggle).
//
// Slash commands: /settings (admin), /prefix (admin), /ping, plus the
// "Quote" message context-menu command.
package dk61
