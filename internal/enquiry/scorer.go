package enquiry

import "context"

// LeadSignals 評分輸入
type LeadSignals struct {
	SupplierID    string
	ListingID     string
	Authenticated bool
	HasPhone      bool
	Email         string
	Message       string
}

// LeadScore 評分結果，建立 thread 時保存，之後不再重算
type LeadScore struct {
	Score  int
	Rating string
	Flags  []string
}

// LeadScorer 潛在客戶評分
type LeadScorer interface {
	Score(ctx context.Context, signals LeadSignals) LeadScore
}

// RatingUnscored 未接入評分服務時的評等
const RatingUnscored = "unscored"

// NeutralScorer 未設定評分服務時使用，不給分也不標記
type NeutralScorer struct{}

// Score 回傳中性結果
func (NeutralScorer) Score(context.Context, LeadSignals) LeadScore {
	return LeadScore{Rating: RatingUnscored}
}
