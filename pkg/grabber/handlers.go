package grabber

import (
	"context"
	"time"

	"Tapline/pkg/uitree"
)

// find returns the first node matching c. An empty selector finds nothing
// rather than the root.
func (s *Session) find(c uitree.Criteria) uitree.Node {
	if c.IsZero() {
		return nil
	}
	return s.engine.FindFirst(c)
}

// tapNode taps a random point in the central part of n. The change flag
// is cleared right before the tap so a following wait sees only its effect.
func (s *Session) tapNode(n uitree.Node, target string) bool {
	if n == nil {
		return false
	}
	b := n.Bounds()
	if b.Empty() {
		s.logger.Debug().Str("target", target).Msg("Node has empty bounds")
		return false
	}

	cx, cy := b.Center()
	x := cx + s.spread(b.Width())
	y := cy + s.spread(b.Height())

	s.deps.Changes.Reset()
	ok := s.deps.Input.Tap(float64(x), float64(y))
	s.afterAction("tap", target, float64(x), float64(y), ok)
	return ok
}

// spread returns a random offset within TapSpread of size
func (s *Session) spread(size int) int {
	r := int(float64(size) * s.wf.TapSpread)
	if r <= 0 {
		return 0
	}
	return s.rng.Intn(2*r+1) - r
}

func (s *Session) afterAction(kind, target string, x, y float64, ok bool) {
	// The screen is about to change; cached dumps must not be reused
	if inv, isInv := s.deps.Tree.(invalidator); isInv {
		inv.Invalidate()
	}

	ev := s.logger.Debug()
	if !ok {
		ev = s.logger.Warn()
	}
	ev.Str("kind", kind).Str("target", target).Float64("x", x).Float64("y", y).Bool("ok", ok).Msg("Action")

	last := kind + " " + target
	s.updateStatus(func(st *Status) { st.LastAction = last })

	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordAction(Action{
			SessionID: s.id,
			Time:      time.Now(),
			Page:      s.page,
			PageName:  s.page.String(),
			Kind:      kind,
			Target:    target,
			X:         x,
			Y:         y,
			OK:        ok,
		})
	}
}

func (s *Session) humanPause(ctx context.Context) {
	d := ms(s.wf.Timing.HumanPauseMs)
	if j := s.wf.Timing.HumanPauseJitterMs; j > 0 {
		d += ms(s.rng.Intn(j))
	}
	s.sleep(ctx, d)
}

// handleCaptcha taps the retry control, or drags the slider to the end of
// its track. It reports false when neither control is on screen.
func (s *Session) handleCaptcha(ctx context.Context) bool {
	if retry := s.find(s.sel.captchaRetry); retry != nil {
		s.logger.Info().Msg("Captcha retry control found")
		s.tapNode(retry, "captcha_retry")
		s.WaitForChange(ctx, ms(s.wf.Timing.ActionWaitMs))
		return true
	}

	track := s.find(s.sel.sliderTrack)
	handle := s.find(s.sel.sliderHandle)
	if track == nil || handle == nil {
		s.logger.Info().Bool("track", track != nil).Bool("handle", handle != nil).Msg("No captcha control found")
		return false
	}

	tb, hb := track.Bounds(), handle.Bounds()
	cx, cy := hb.Center()
	startX, startY := float64(cx), float64(cy)
	endX := float64(tb.Right) - float64(hb.Width())/2
	d := ms(s.wf.Timing.CaptchaDragMs)
	if j := s.wf.Timing.CaptchaDragJitterMs; j > 0 {
		d += ms(s.rng.Intn(j))
	}

	s.logger.Info().Float64("fromX", startX).Float64("toX", endX).Dur("duration", d).Msg("Dragging captcha slider")
	s.deps.Changes.Reset()
	ok := s.deps.Input.Drag(startX, startY, endX, startY, d)
	s.afterAction("drag", "captcha_slider", endX, startY, ok)
	s.humanPause(ctx)
	return ok
}

func (s *Session) handleNetworkError(ctx context.Context) {
	refresh := s.find(s.sel.refreshButton)
	if refresh == nil {
		// The marker matched but the control is gone already
		s.WaitForChange(ctx, ms(s.wf.Timing.PageWaitMs))
		return
	}
	s.logger.Info().Msg("Network error page, refreshing")
	s.tapNode(refresh, "refresh")
	s.WaitForChange(ctx, ms(s.wf.Timing.ActionWaitMs))
}

// handleSelection runs one purchase attempt. It returns a non-empty reason
// when the session cannot continue.
func (s *Session) handleSelection(ctx context.Context) string {
	dates := s.dateOptions()
	if dates == nil {
		s.logger.Error().Msg("Date options container not found")
		return "date options not found"
	}

	idx := s.nextDateIndex(len(dates))
	s.setState(StateSelection, PageSelection)
	s.logger.Info().Int("index", idx).Int("options", len(dates)).Msg("Selecting date")
	if !s.tapNode(dates[idx], "date") {
		s.logger.Warn().Int("index", idx).Msg("Date tap failed")
	}
	s.WaitForChange(ctx, ms(s.wf.Timing.PageWaitMs))

	// Options are looked up again after every tap; handles do not survive it
	for i := 0; ; i++ {
		prices := s.availablePriceOptions()
		if i >= len(prices) {
			if i == 0 {
				s.logger.Info().Msg("No available price option")
			}
			break
		}

		s.logger.Info().Int("index", i).Str("label", prices[i].Text()).Msg("Selecting price")
		s.tapNode(prices[i], "price")
		s.WaitForChange(ctx, ms(s.wf.Timing.PageWaitMs))

		s.adjustQuantity()

		if buy := s.find(s.sel.buyButton); buy != nil && buy.Enabled() {
			s.attempts++
			s.logger.Info().Int("attempt", s.attempts).Msg("Tapping buy")
			s.tapNode(buy, "buy")
			s.WaitForChange(ctx, ms(s.wf.Timing.PageWaitMs))
			break
		}
		s.logger.Info().Msg("Buy control missing or disabled, trying next price")
	}
	return ""
}

// dateOptions returns the clickable first-level children of the date
// container, or nil when there are none
func (s *Session) dateOptions() []uitree.Node {
	container := s.find(s.sel.dateContainer)
	if container == nil {
		return nil
	}
	options := s.engine.Children(container, uitree.Criteria{}.WithClickable(true))
	if len(options) == 0 {
		return nil
	}
	return options
}

// availablePriceOptions returns the clickable first-level children of the
// price container whose subtree carries no unavailable tag
func (s *Session) availablePriceOptions() []uitree.Node {
	container := s.find(s.sel.priceContainer)
	if container == nil {
		return nil
	}
	var available []uitree.Node
	for _, option := range s.engine.Children(container, uitree.Criteria{}.WithClickable(true)) {
		if s.unavailable(option) {
			continue
		}
		available = append(available, option)
	}
	return available
}

func (s *Session) unavailable(option uitree.Node) bool {
	for _, tag := range s.sel.unavailable {
		if s.engine.SubtreeContains(option, tag) {
			return true
		}
	}
	return false
}

func (s *Session) adjustQuantity() {
	display := s.find(s.sel.quantityDisplay)
	if display == nil || display.Text() == s.wf.TargetQuantity {
		return
	}
	increase := s.find(s.sel.quantityIncrease)
	if increase == nil {
		s.logger.Warn().Str("quantity", display.Text()).Msg("Quantity increase control not found")
		return
	}
	s.logger.Info().Str("quantity", display.Text()).Str("target", s.wf.TargetQuantity).Msg("Increasing quantity")
	s.tapNode(increase, "quantity_increase")
}

// submitOrder confirms every checkbox and taps submit. Its result is the
// result of the submit tap.
func (s *Session) submitOrder(ctx context.Context) bool {
	s.logger.Info().Msg("Order page reached, submitting")

	if cont := s.find(s.sel.continueButton); cont != nil {
		s.tapNode(cont, "continue")
	}
	if rollback := s.find(s.sel.rollbackButton); rollback != nil {
		s.tapNode(rollback, "rollback")
	}

	if !s.sel.checkboxList.IsZero() && !s.sel.checkbox.IsZero() {
		count := len(s.engine.FindContainedBy(s.sel.checkboxList, s.sel.checkbox))
		for i := 0; i < count; i++ {
			boxes := s.engine.FindContainedBy(s.sel.checkboxList, s.sel.checkbox)
			if i >= len(boxes) {
				break
			}
			s.tapNode(boxes[i], "checkbox")
			s.WaitForChange(ctx, ms(s.wf.Timing.CheckboxWaitMs))
		}
	}

	submit := s.find(s.sel.submitButton)
	if submit == nil {
		s.logger.Warn().Msg("Submit control not found")
		return false
	}
	return s.tapNode(submit, "submit")
}

// handlePayment dismisses the warning dialog and types the PIN when the
// password pad is shown
func (s *Session) handlePayment() {
	if dismiss := s.find(s.sel.paymentDismiss); dismiss != nil {
		s.logger.Info().Msg("Dismissing payment warning")
		s.tapNode(dismiss, "payment_dismiss")
	}
	if s.find(s.sel.passwordInput) != nil {
		s.logger.Info().Msg("Password pad shown, entering PIN")
		s.deps.Changes.Reset()
		ok := s.deps.Input.SendText(s.wf.PaymentPIN)
		s.afterAction("text", "payment_pin", 0, 0, ok)
	}
}
