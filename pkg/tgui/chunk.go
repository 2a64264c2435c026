package tgui

import (
	"iter"
	"path"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Item is one labeled piece of text to deliver.
type Item struct {
	Text     string
	Language string // syntax hint for the rendered block
	Filename string // used when the item is too large for a body
}

// File is an attachment produced by Chunk.
type File struct {
	Name string
	Data []byte
}

// Group is one transport message: an HTML body plus attachments.
// Either part may be empty, never both.
type Group struct {
	Body  string
	Files []File
}

// Limits bounds a single Group.
type Limits struct {
	MaxBody  int // runes of rendered HTML
	MaxFiles int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBody <= 0 {
		l.MaxBody = MaxBodyRunes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = MaxFiles
	}
	return l
}

// Block renders it as a Telegram HTML block.
func Block(it Item) H {
	if it.Text == "" {
		return H(EmptyOutput)
	}
	return PreLang(it.Language, it.Text)
}

// Chunk lazily packs items into Groups.
//
// Blocks are concatenated greedily (newline-separated) while the body stays
// within MaxBody; a block is never split across bodies. A block that alone
// exceeds MaxBody is sent as a file attachment instead. A group is emitted as
// soon as the next block or file would not fit, or when a block follows a
// file: transports send the body before the files, so a group never holds a
// block that came after one of its files. Repeated file names within a group
// get an index suffix.
//
// items is pulled only as far as needed to fill the current group, so an
// item appended to the source while the previous group is being consumed is
// still picked up.
func Chunk(items iter.Seq[Item], lim Limits) iter.Seq[Group] {
	lim = lim.withDefaults()
	return func(yield func(Group) bool) {
		var (
			body    strings.Builder
			bodyLen int
			files   []File
		)
		flush := func() bool {
			if body.Len() == 0 && len(files) == 0 {
				return true
			}
			g := Group{Body: body.String(), Files: files}
			body.Reset()
			bodyLen = 0
			files = nil
			return yield(g)
		}

		for it := range items {
			block := Block(it).String()
			n := utf8.RuneCountInString(block)

			if n > lim.MaxBody {
				if len(files) >= lim.MaxFiles && !flush() {
					return
				}
				files = append(files, File{Name: fileName(it, len(files)+1, files), Data: []byte(it.Text)})
				continue
			}

			sep := 0
			if bodyLen > 0 {
				sep = 1
			}
			if len(files) > 0 || bodyLen+sep+n > lim.MaxBody {
				if !flush() {
					return
				}
				sep = 0
			}
			if sep > 0 {
				body.WriteByte('\n')
			}
			body.WriteString(block)
			bodyLen += sep + n
		}
		flush()
	}
}

func fileName(it Item, idx int, taken []File) string {
	name := strings.TrimSpace(it.Filename)
	if name == "" {
		return "output" + strconv.Itoa(idx) + ".txt"
	}
	if !slices.ContainsFunc(taken, func(f File) bool { return f.Name == name }) {
		return name
	}
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + strconv.Itoa(idx) + ext
}
