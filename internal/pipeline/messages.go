package pipeline

import "fmt"

// farewellText is the private feedback solicitation sent to a departed member.
func farewellText(name string) string {
	return fmt.Sprintf("Hi %s! 👋\n\n"+
		"I noticed you left our group. We're sorry to see you go! 😢\n\n"+
		"Would you mind sharing why you decided to leave? Your feedback would help us improve the group experience for everyone.\n\n"+
		"Thanks for taking the time to let us know! 🙏", name)
}

// fallbackText is the public group mention used when the private send could
// not deliver. mention is "@username" when a handle is known, otherwise the
// display name.
func fallbackText(mention string) string {
	return fmt.Sprintf("%s, sorry to see you go! 😢 I couldn't reach you privately — "+
		"if you'd like to share why you left, just send me a direct message. 🙏", mention)
}

// welcomeText is the one-time invitation posted when a member joins, asking
// them to open a direct chat so later private delivery can succeed.
func welcomeText(name string) string {
	return fmt.Sprintf("Welcome, %s! 👋 Tap the button below to open a direct chat with me — "+
		"that way I can reach you privately if you ever leave.", name)
}

// optInConfirmation acknowledges a successful enrollment.
const optInConfirmation = "Thanks! I can now message you directly. 🙏"
