package reward

import (
	"fmt"
	"strings"
)

// Sizer converts reward metadata into credited seconds.
type Sizer struct {
	CorrectAnswerSeconds int64
	DifficultyBonus      map[string]int64 // keyed by lowercase tier
}

// ForAnswer returns the credit for a correct answer at the given difficulty
// tier. Unknown tiers earn the base credit only.
func (s Sizer) ForAnswer(tier string) int64 {
	return s.CorrectAnswerSeconds + s.DifficultyBonus[strings.ToLower(strings.TrimSpace(tier))]
}

// ForBonus returns the per-difficulty bonus for finishing a quiz at tier.
// Tiers without a configured bonus earn nothing.
func (s Sizer) ForBonus(tier string) int64 {
	return s.DifficultyBonus[strings.ToLower(strings.TrimSpace(tier))]
}

// ForGoal returns the credit for a completed goal.
func (s Sizer) ForGoal(rewardSeconds int64) int64 {
	if rewardSeconds < 0 {
		return 0
	}
	return rewardSeconds
}

// QuestionSource is the source id of a correctly answered question.
func QuestionSource(questionID string) string {
	return "question:" + questionID
}

// GoalSource is the source id of a goal claimed on claimDate.
func GoalSource(goalID, claimDate string) string {
	return fmt.Sprintf("goal:%s:%s", goalID, claimDate)
}

// BonusSource is the source id of a per-difficulty quiz bonus.
func BonusSource(quizID, tier string) string {
	return fmt.Sprintf("bonus:%s:%s", quizID, strings.ToLower(strings.TrimSpace(tier)))
}
