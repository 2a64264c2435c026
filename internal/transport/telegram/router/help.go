package router

import (
	"strings"

	"relaybot/pkg/tgui"
)

// helpText renders help for the command at path (or the top level) in
// Telegram HTML parse mode.
func (d *Dispatcher) helpText(path []string) string {
	d.mu.RLock()
	root, alias := d.root, d.alias
	d.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}

	cur, full := root, make([]string, 0, len(path))
	for i, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		if n, ok := cur.child(p); ok {
			cur, full = n, append(full, p)
			continue
		}
		if leaf, ok := alias[p]; ok && i == 0 && leaf.cmd != nil {
			cur, full = leaf, splitRoute(leaf.cmd.Route)
			break
		}
		return "unknown command. try <code>/help</code>"
	}
	return helpNode(cur, full)
}

func helpTop(root *cmdNode) string {
	var open, locked []string
	for _, name := range root.childNames() {
		n := root.children[name]
		line := "/" + string(tgui.Esc(name))
		if desc := nodeDesc(n); desc != "" {
			line += " - " + string(tgui.Esc(desc))
		}
		if nodeOwnerOnly(n) {
			locked = append(locked, line+" 🔒")
		} else {
			open = append(open, line)
		}
	}
	lines := []string{string(tgui.B("Commands")), "Send <code>/help &lt;cmd&gt;</code> for details.", ""}
	lines = append(lines, open...)
	lines = append(lines, locked...)
	return strings.Join(lines, "\n")
}

func helpNode(n *cmdNode, full []string) string {
	var lines []string
	lines = append(lines, string(tgui.B("/"+strings.Join(full, " "))))
	if n.cmd != nil {
		c := n.cmd
		if c.Description != "" {
			lines = append(lines, string(tgui.Esc(c.Description)))
		}
		if c.Usage != "" {
			lines = append(lines, "usage: "+string(tgui.Code(c.Usage)))
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "aliases: "+string(tgui.Esc("/"+strings.Join(c.Aliases, ", /"))))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "owner only 🔒")
		}
	}
	if names := n.childNames(); len(names) > 0 {
		lines = append(lines, "", "subcommands:")
		for _, name := range names {
			line := "  " + string(tgui.Code(name))
			if desc := nodeDesc(n.children[name]); desc != "" {
				line += " - " + string(tgui.Esc(desc))
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func nodeDesc(n *cmdNode) string {
	if n.cmd != nil {
		return n.cmd.Description
	}
	for _, c := range n.leaves() {
		if c.Description != "" {
			return c.Description
		}
	}
	return ""
}

// nodeOwnerOnly reports whether every command under n is owner-only.
func nodeOwnerOnly(n *cmdNode) bool {
	leaves := n.leaves()
	if len(leaves) == 0 {
		return false
	}
	for _, c := range leaves {
		if c.Access != AccessOwnerOnly {
			return false
		}
	}
	return true
}
