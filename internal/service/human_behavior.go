package service

import (
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// humanBehavior 模拟真实用户的打字、点击和浏览节奏，
// 降低 reCAPTCHA v3 判定为自动化的概率。
type humanBehavior struct {
	page *rod.Page
	rng  *rand.Rand
}

func newHumanBehavior(page *rod.Page) *humanBehavior {
	return &humanBehavior{
		page: page,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// randomDelay 正态分布的随机延迟，更接近人类节奏。
func (h *humanBehavior) randomDelay(minMs, maxMs int) time.Duration {
	mean := float64(minMs+maxMs) / 2
	std := float64(maxMs-minMs) / 4
	d := h.rng.NormFloat64()*std + mean
	if d < float64(minMs) {
		d = float64(minMs)
	}
	if d > float64(maxMs) {
		d = float64(maxMs)
	}
	return time.Duration(d) * time.Millisecond
}

func (h *humanBehavior) waitRandom(minMs, maxMs int) {
	time.Sleep(h.randomDelay(minMs, maxMs))
}

// typeLikeHuman 逐字符输入，间隔随机，偶尔停顿模拟思考。
func (h *humanBehavior) typeLikeHuman(el *rod.Element, text string) error {
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	h.waitRandom(100, 300)

	// 清空已有内容
	if err := el.SelectAllText(); err == nil {
		_ = h.page.Keyboard.Press(input.Backspace)
	}
	h.waitRandom(100, 300)

	for i, ch := range text {
		if i > 0 {
			if h.rng.Float64() < 0.1 {
				h.waitRandom(200, 500)
			} else {
				h.waitRandom(40, 200)
			}
		}
		if err := h.page.InsertText(string(ch)); err != nil {
			return err
		}
	}
	h.waitRandom(200, 500)
	return nil
}

// humanClick 先把鼠标移到元素中心附近再点击。
func (h *humanBehavior) humanClick(el *rod.Element) error {
	shape, err := el.Shape()
	if err == nil && len(shape.Quads) > 0 {
		box := shape.Box()
		x := box.X + box.Width*(0.3+h.rng.Float64()*0.4)
		y := box.Y + box.Height*(0.3+h.rng.Float64()*0.4)
		if err := h.page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err == nil {
			h.waitRandom(50, 200)
			return h.page.Mouse.Click(proto.InputMouseButtonLeft, 1)
		}
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// randomMouseMovement 随机移动鼠标，模拟浏览页面。
func (h *humanBehavior) randomMouseMovement(count int) {
	for i := 0; i < count; i++ {
		x := float64(100 + h.rng.Intn(1080))
		y := float64(100 + h.rng.Intn(600))
		_ = h.page.Mouse.MoveTo(proto.Point{X: x, Y: y})
		h.waitRandom(100, 300)
	}
}

// warmUpSession 滚动、移动鼠标、停顿几秒，提高信任评分。
func (h *humanBehavior) warmUpSession(duration time.Duration) {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		switch h.rng.Intn(4) {
		case 0:
			_ = h.page.Mouse.Scroll(0, float64(100+h.rng.Intn(200)), 3)
			h.waitRandom(300, 800)
		case 1:
			_ = h.page.Mouse.Scroll(0, -float64(50+h.rng.Intn(150)), 3)
			h.waitRandom(300, 800)
		case 2:
			h.randomMouseMovement(1)
			h.waitRandom(200, 500)
		default:
			h.waitRandom(500, 1500)
		}
	}
}
