package notes

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// reconcileTags moves the tag graph to the note's desired tag-name set. It
// must run inside the caller's transaction so that concurrent reconciliations
// cannot both observe a tag as orphaned. Returns the note's final tag names
// as persisted, which may differ from the requested set when another write
// raced this one.
func reconcileTags(tx *gorm.DB, userID, noteID string, desired []string, idProvider IDProvider, nowMs int64) ([]string, error) {
	desiredNames := dedupeTagNames(desired)

	var userTags []Tag
	if err := tx.Where("user_id = ?", userID).Find(&userTags).Error; err != nil {
		return nil, fmt.Errorf("load user tags: %w", err)
	}
	tagsByName := make(map[string]Tag, len(userTags))
	for _, tag := range userTags {
		tagsByName[tag.Name] = tag
	}

	var relations []NoteTag
	if err := tx.Where("user_id = ? AND note_id = ?", userID, noteID).Find(&relations).Error; err != nil {
		return nil, fmt.Errorf("load note relations: %w", err)
	}
	relatedTagIDs := make(map[string]bool, len(relations))
	for _, relation := range relations {
		relatedTagIDs[relation.TagID] = true
	}

	desiredTagIDs := make(map[string]bool, len(desiredNames))
	for _, name := range desiredNames {
		tag, exists := tagsByName[name]
		if !exists {
			tagID, err := idProvider.NewID()
			if err != nil {
				return nil, fmt.Errorf("generate tag id: %w", err)
			}
			tag = Tag{TagID: tagID, UserID: userID, Name: name, CreatedAtMs: nowMs}
			if err := tx.Create(&tag).Error; err != nil {
				return nil, fmt.Errorf("create tag %q: %w", name, err)
			}
		}
		desiredTagIDs[tag.TagID] = true
		if !relatedTagIDs[tag.TagID] {
			relation := NoteTag{UserID: userID, NoteID: noteID, TagID: tag.TagID}
			if err := tx.Create(&relation).Error; err != nil {
				return nil, fmt.Errorf("attach tag %q: %w", name, err)
			}
		}
	}

	for tagID := range relatedTagIDs {
		if desiredTagIDs[tagID] {
			continue
		}
		if err := tx.Where("user_id = ? AND note_id = ? AND tag_id = ?", userID, noteID, tagID).
			Delete(&NoteTag{}).Error; err != nil {
			return nil, fmt.Errorf("detach tag: %w", err)
		}
	}

	if err := collectOrphanedTags(tx, userID); err != nil {
		return nil, err
	}

	return noteTagNames(tx, userID, noteID)
}

// collectOrphanedTags deletes every tag of the user that no longer relates
// to any note. The scan deliberately covers all of the user's tags, not only
// the ones touched by the current write: an earlier note delete may have
// left a tag orphaned without running reconciliation.
func collectOrphanedTags(tx *gorm.DB, userID string) error {
	err := tx.Where(
		"user_id = ? AND NOT EXISTS (SELECT 1 FROM note_tags WHERE note_tags.user_id = tags.user_id AND note_tags.tag_id = tags.tag_id)",
		userID,
	).Delete(&Tag{}).Error
	if err != nil {
		return fmt.Errorf("collect orphaned tags: %w", err)
	}
	return nil
}

// noteTagNames reads the tag names currently attached to the note, sorted
// for a stable response shape.
func noteTagNames(tx *gorm.DB, userID, noteID string) ([]string, error) {
	var names []string
	err := tx.Model(&Tag{}).
		Joins("JOIN note_tags ON note_tags.tag_id = tags.tag_id AND note_tags.user_id = tags.user_id").
		Where("note_tags.user_id = ? AND note_tags.note_id = ?", userID, noteID).
		Pluck("tags.name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("load note tag names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// dedupeTagNames trims and deduplicates the requested names, preserving the
// original casing and first-seen order. Empty names are dropped here; the
// service validates them before the transaction starts.
func dedupeTagNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	deduped := make([]string, 0, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		deduped = append(deduped, trimmed)
	}
	return deduped
}
