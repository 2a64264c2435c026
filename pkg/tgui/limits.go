package tgui

// MaxBodyRunes bounds one message body built by Chunk.
// Telegram accepts 4096, but rendered blocks stay readable well below that.
const MaxBodyRunes = 2000

// MaxFiles is Telegram's media group (album) size limit.
const MaxFiles = 10

// EmptyOutput is rendered in place of a block with no text.
const EmptyOutput = "✅"
