package memory

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes name-based UUIDs minted for memory records.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/dotsetgreg/dotmemory/records"))

func deriveID(prefix string, parts ...string) string {
	return prefix + uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// ConversationID derives the id of an exchange stored by userID at the given instant.
func ConversationID(userID, message string, at time.Time) string {
	return deriveID("conv-", userID, message, strconv.FormatInt(at.UnixNano(), 10))
}

// KnowledgeID derives the id shared by every store of the same topic and content.
func KnowledgeID(topic, content string) string {
	return deriveID("kn-", topic, content)
}

// PatternID derives the id of a mined pattern from its text.
func PatternID(patternText string) string {
	return deriveID("pat-", strings.ToLower(patternText))
}
