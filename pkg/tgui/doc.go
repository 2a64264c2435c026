// Package tgui provides small Telegram text helpers:
//   - HTML escaping and block builders for ParseMode="HTML"
//   - Rune-aware truncation
//   - A chunker that packs labeled text items into transport-sized
//     (body, attachments) groups
//
// Design goals:
//   - Safe by default for Telegram ParseMode="HTML" (auto escaping)
//   - Lazy: chunking pulls items on demand, so producers can keep appending
//     while a consumer is sending
package tgui
