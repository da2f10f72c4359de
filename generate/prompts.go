package generate

import (
	"fmt"
	"strings"
)

var platformGuidance = map[string]string{
	"tiktok":          "TikTok: casual voice, strong hook in the first second, trend-aware, 15-60s scripts.",
	"instagram_reels": "Instagram Reels: polished aesthetic, save-worthy value, caption-friendly, 15-90s scripts.",
	"youtube_shorts":  "YouTube Shorts: retention-first pacing, searchable phrasing, clear payoff, up to 60s scripts.",
}

const systemPrompt = `You are a short-form video content strategist. You write scripts that hook viewers immediately and drive engagement.

Respond with a JSON array only. Each element must have this shape:
{"text": "<full script>", "hashtags": ["<tag>", ...], "metadata": {"hook": "<opening line>", "benefit": "<viewer payoff>", "cta": "<call to action>"}}

No prose outside the JSON array.`

// BuildMessages assembles the system and user prompts for a request.
func BuildMessages(req Request) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d distinct short-form video script variant", req.VariantCount)
	if req.VariantCount > 1 {
		b.WriteString("s")
	}
	fmt.Fprintf(&b, " for this concept:\n\n%s\n\n", req.Prompt)

	if guidance, ok := platformGuidance[req.Platform]; ok {
		b.WriteString("Platform: " + guidance + "\n")
	}

	if req.IsRegen {
		switch req.RegenType {
		case "full":
			b.WriteString("\nThis is a full regeneration: discard the previous direction and take a fresh angle.\n")
		default:
			b.WriteString("\nThis is a targeted revision. Apply these changes and keep everything else:\n")
			b.WriteString(req.RegenChanges + "\n")
		}
	}

	fmt.Fprintf(&b, "\nReturn a JSON array with exactly %d element(s).", req.VariantCount)
	return systemPrompt, b.String()
}
