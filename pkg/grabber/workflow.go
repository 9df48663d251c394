package grabber

import (
	"fmt"
	"strings"
	"time"

	"Tapline/pkg/uitree"
)

// Marker identifies a page. It matches when the foreground activity
// contains Activity (ignoring case) or when Selector finds a node.
type Marker struct {
	Activity string `json:"activity,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Markers lists the page markers in classification priority order
type Markers struct {
	Captcha      Marker `json:"captcha"`
	NetworkError Marker `json:"networkError"`
	Order        Marker `json:"order"`
	Selection    Marker `json:"selection"`
	Payment      Marker `json:"payment"`
}

// Controls holds the selectors of every control the session touches
type Controls struct {
	EntryButton      string   `json:"entryButton"`
	CaptchaRetry     string   `json:"captchaRetry"`
	SliderTrack      string   `json:"sliderTrack"`
	SliderHandle     string   `json:"sliderHandle"`
	RefreshButton    string   `json:"refreshButton"`
	DateContainer    string   `json:"dateContainer"`
	PriceContainer   string   `json:"priceContainer"`
	UnavailableTags  []string `json:"unavailableTags"`
	QuantityDisplay  string   `json:"quantityDisplay"`
	QuantityIncrease string   `json:"quantityIncrease"`
	BuyButton        string   `json:"buyButton"`
	ContinueButton   string   `json:"continueButton"`
	RollbackButton   string   `json:"rollbackButton"`
	CheckboxList     string   `json:"checkboxList"`
	Checkbox         string   `json:"checkbox"`
	SubmitButton     string   `json:"submitButton"`
	PaymentDismiss   string   `json:"paymentDismiss"`
	PasswordInput    string   `json:"passwordInput"`
}

// Timing values are in milliseconds so config files stay readable
type Timing struct {
	PollIntervalMs      int `json:"pollIntervalMs"`
	PageWaitMs          int `json:"pageWaitMs"`
	ActionWaitMs        int `json:"actionWaitMs"`
	CheckboxWaitMs      int `json:"checkboxWaitMs"`
	CaptchaDragMs       int `json:"captchaDragMs"`
	CaptchaDragJitterMs int `json:"captchaDragJitterMs"`
	HumanPauseMs        int `json:"humanPauseMs"`
	HumanPauseJitterMs  int `json:"humanPauseJitterMs"`
	MinCycleMs          int `json:"minCycleMs"`
}

// Workflow is the static description of the purchase funnel
type Workflow struct {
	Markers        Markers  `json:"markers"`
	Controls       Controls `json:"controls"`
	Timing         Timing   `json:"timing"`
	TargetQuantity string   `json:"targetQuantity"`
	PaymentPIN     string   `json:"paymentPin"`
	// TapSpread is the fraction of half the node size a tap may land away from its center
	TapSpread float64 `json:"tapSpread"`
}

// DefaultWorkflow returns the markers and controls of the damai app
func DefaultWorkflow() Workflow {
	return Workflow{
		Markers: Markers{
			Captcha:      Marker{Activity: "com.alibaba.wireless.security.open.middletier.fc.ui.ContainerActivity"},
			NetworkError: Marker{Selector: "[id='cn.damai:id/state_view_refresh_btn']"},
			Order:        Marker{Activity: "DmOrderActivity"},
			Selection:    Marker{Activity: "NcovSkuActivity"},
			Payment:      Marker{Activity: "Alipay"},
		},
		Controls: Controls{
			EntryButton:    "[id='cn.damai:id/trade_project_detail_purchase_status_bar_container_fl']",
			CaptchaRetry:   "[id='nc_1_refresh1']",
			SliderTrack:    "[id='nc_1_n1t']",
			SliderHandle:   "[id='nc_1_n1z']",
			RefreshButton:  "[id='cn.damai:id/state_view_refresh_btn']",
			DateContainer:  "[id='cn.damai:id/project_detail_perform_flowlayout']",
			PriceContainer: "[id='cn.damai:id/project_detail_perform_price_flowlayout']",
			UnavailableTags: []string{
				"[id='cn.damai:id/tv_tag'][text='缺货登记']",
				"[id='cn.damai:id/tv_tag'][text='可预约']",
			},
			QuantityDisplay:  "[id='cn.damai:id/tv_num']",
			QuantityIncrease: "[id='cn.damai:id/img_jia']",
			BuyButton:        "[id='cn.damai:id/btn_buy_view']",
			ContinueButton:   "[className='android.widget.TextView'][text='继续尝试']",
			RollbackButton:   "[id='cn.damai:id/state_view_refresh_btn']",
			CheckboxList:     "[id='cn.damai:id/recycler_main']",
			Checkbox:         "[id='cn.damai:id/checkbox']",
			SubmitButton:     "[className='android.widget.TextView'][text='立即提交']",
			PaymentDismiss:   "[id='android:id/button2'][text='忽略']",
			PasswordInput:    "[id='com.alipay.mobile.antui:id/au_num_1']",
		},
		Timing: Timing{
			PollIntervalMs:      500,
			PageWaitMs:          3000,
			ActionWaitMs:        5000,
			CheckboxWaitMs:      1000,
			CaptchaDragMs:       1000,
			CaptchaDragJitterMs: 500,
			HumanPauseMs:        100,
			HumanPauseJitterMs:  200,
		},
		TargetQuantity: "2张",
		PaymentPIN:     "000000",
		TapSpread:      0.35,
	}
}

// Validate checks that every control the loop depends on is configured
func (w Workflow) Validate() error {
	required := map[string]string{
		"dateContainer":  w.Controls.DateContainer,
		"priceContainer": w.Controls.PriceContainer,
		"buyButton":      w.Controls.BuyButton,
		"submitButton":   w.Controls.SubmitButton,
	}
	for name, sel := range required {
		if strings.TrimSpace(sel) == "" {
			return fmt.Errorf("workflow: control %s is empty", name)
		}
		if uitree.ParseSelector(sel).IsZero() {
			return fmt.Errorf("workflow: control %s selector %q has no predicates", name, sel)
		}
	}

	markers := map[string]Marker{
		"captcha":      w.Markers.Captcha,
		"networkError": w.Markers.NetworkError,
		"order":        w.Markers.Order,
		"selection":    w.Markers.Selection,
		"payment":      w.Markers.Payment,
	}
	for name, m := range markers {
		if m.Activity == "" && m.Selector == "" {
			return fmt.Errorf("workflow: marker %s is empty", name)
		}
	}

	if w.Timing.PollIntervalMs <= 0 {
		return fmt.Errorf("workflow: pollIntervalMs must be positive")
	}
	if w.TapSpread < 0 || w.TapSpread > 0.5 {
		return fmt.Errorf("workflow: tapSpread %.2f outside [0, 0.5]", w.TapSpread)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// compiled holds the parsed form of a Workflow's selectors
type compiled struct {
	captchaRetry     uitree.Criteria
	sliderTrack      uitree.Criteria
	sliderHandle     uitree.Criteria
	refreshButton    uitree.Criteria
	entryButton      uitree.Criteria
	dateContainer    uitree.Criteria
	priceContainer   uitree.Criteria
	unavailable      []uitree.Criteria
	quantityDisplay  uitree.Criteria
	quantityIncrease uitree.Criteria
	buyButton        uitree.Criteria
	continueButton   uitree.Criteria
	rollbackButton   uitree.Criteria
	checkboxList     uitree.Criteria
	checkbox         uitree.Criteria
	submitButton     uitree.Criteria
	paymentDismiss   uitree.Criteria
	passwordInput    uitree.Criteria

	markerSelectors map[Page]uitree.Criteria
}

func compile(w Workflow) compiled {
	c := w.Controls
	out := compiled{
		captchaRetry:     uitree.ParseSelector(c.CaptchaRetry),
		sliderTrack:      uitree.ParseSelector(c.SliderTrack),
		sliderHandle:     uitree.ParseSelector(c.SliderHandle),
		refreshButton:    uitree.ParseSelector(c.RefreshButton),
		entryButton:      uitree.ParseSelector(c.EntryButton),
		dateContainer:    uitree.ParseSelector(c.DateContainer),
		priceContainer:   uitree.ParseSelector(c.PriceContainer),
		quantityDisplay:  uitree.ParseSelector(c.QuantityDisplay),
		quantityIncrease: uitree.ParseSelector(c.QuantityIncrease),
		buyButton:        uitree.ParseSelector(c.BuyButton),
		continueButton:   uitree.ParseSelector(c.ContinueButton),
		rollbackButton:   uitree.ParseSelector(c.RollbackButton),
		checkboxList:     uitree.ParseSelector(c.CheckboxList),
		checkbox:         uitree.ParseSelector(c.Checkbox),
		submitButton:     uitree.ParseSelector(c.SubmitButton),
		paymentDismiss:   uitree.ParseSelector(c.PaymentDismiss),
		passwordInput:    uitree.ParseSelector(c.PasswordInput),
		markerSelectors:  map[Page]uitree.Criteria{},
	}
	for _, sel := range c.UnavailableTags {
		if crit := uitree.ParseSelector(sel); !crit.IsZero() {
			out.unavailable = append(out.unavailable, crit)
		}
	}
	for page, m := range w.markerList() {
		if m.Selector != "" {
			out.markerSelectors[page] = uitree.ParseSelector(m.Selector)
		}
	}
	return out
}

func (w Workflow) markerList() map[Page]Marker {
	return map[Page]Marker{
		PageCaptcha:      w.Markers.Captcha,
		PageNetworkError: w.Markers.NetworkError,
		PageOrder:        w.Markers.Order,
		PageSelection:    w.Markers.Selection,
		PagePayment:      w.Markers.Payment,
	}
}

// classificationOrder is the fixed priority of page checks
var classificationOrder = []Page{PageCaptcha, PageNetworkError, PageOrder, PageSelection, PagePayment}
