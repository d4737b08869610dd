package awareness

var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FECA57",
	"#DDA0DD", "#FF8B94", "#4834D4", "#F0932B", "#6AB04C",
}

// ColorFor picks a stable colour for a display name so the same user looks the same on every replica.
func ColorFor(name string) string {
	sum := 0
	for _, r := range name {
		sum += int(r)
	}
	return palette[sum%len(palette)]
}
